package latency

import (
	"sync"
	"testing"
	"time"
)

func TestSummarizeEmptyScopeReturnsFallback(t *testing.T) {
	r := NewRecorder(16)

	sum := r.Summarize("")
	if len(sum.PerStage) != len(Stages) {
		t.Fatalf("PerStage has %d stages, want %d", len(sum.PerStage), len(Stages))
	}
	for _, stage := range Stages {
		st, ok := sum.PerStage[stage]
		if !ok {
			t.Fatalf("stage %q missing from fallback summary", stage)
		}
		if st.Count != 0 || st.MeanMS != 0 || st.P50MS != 0 || st.P95MS != 0 {
			t.Fatalf("stage %q stats not zeroed: %+v", stage, st)
		}
	}
	if sum.TotalMS != 0 {
		t.Fatalf("TotalMS = %v, want 0", sum.TotalMS)
	}
}

func TestRecordAndSummarizePerSession(t *testing.T) {
	r := NewRecorder(16)
	r.Record("s1", StageSTT, 100*time.Millisecond)
	r.Record("s1", StageSTT, 300*time.Millisecond)
	r.Record("s1", StageLLM, 200*time.Millisecond)
	r.Record("s2", StageSTT, 900*time.Millisecond)

	sum := r.Summarize("s1")
	stt := sum.PerStage[StageSTT]
	if stt.Count != 2 {
		t.Fatalf("s1 stt count = %d, want 2", stt.Count)
	}
	if stt.MeanMS != 200 {
		t.Fatalf("s1 stt mean = %v, want 200", stt.MeanMS)
	}
	// No total samples: total falls back to the sum of stage means.
	if sum.TotalMS != 400 {
		t.Fatalf("s1 total = %v, want 400", sum.TotalMS)
	}

	global := r.Summarize("")
	if global.PerStage[StageSTT].Count != 3 {
		t.Fatalf("global stt count = %d, want 3", global.PerStage[StageSTT].Count)
	}
}

func TestRecordDropsInvalidSamples(t *testing.T) {
	r := NewRecorder(16)
	r.Record("s1", Stage("vad"), 10*time.Millisecond)
	r.Record("s1", StageSTT, -1*time.Millisecond)

	sum := r.Summarize("s1")
	for stage, st := range sum.PerStage {
		if st.Count != 0 {
			t.Fatalf("stage %q count = %d, want 0", stage, st.Count)
		}
	}
}

func TestTotalStagePreferredWhenRecorded(t *testing.T) {
	r := NewRecorder(16)
	r.Record("s1", StageSTT, 100*time.Millisecond)
	r.Record("s1", StageTotal, 650*time.Millisecond)

	sum := r.Summarize("s1")
	if sum.TotalMS != 650 {
		t.Fatalf("TotalMS = %v, want 650", sum.TotalMS)
	}
}

func TestForgetDropsSessionScopeOnly(t *testing.T) {
	r := NewRecorder(16)
	r.Record("s1", StageTTS, 150*time.Millisecond)
	r.Forget("s1")

	if got := r.Summarize("s1").PerStage[StageTTS].Count; got != 0 {
		t.Fatalf("s1 tts count after Forget = %d, want 0", got)
	}
	if got := r.Summarize("").PerStage[StageTTS].Count; got != 1 {
		t.Fatalf("global tts count after Forget = %d, want 1", got)
	}
}

func TestConcurrentRecordAndSummarize(t *testing.T) {
	r := NewRecorder(64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.Record("s1", Stages[j%len(Stages)], time.Duration(j)*time.Millisecond)
				if j%10 == 0 {
					_ = r.Summarize("s1")
				}
			}
		}(i)
	}
	wg.Wait()

	sum := r.Summarize("s1")
	for _, stage := range Stages {
		if sum.PerStage[stage].Count == 0 {
			t.Fatalf("stage %q should have samples after concurrent load", stage)
		}
	}
}
