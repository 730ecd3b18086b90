package speech

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestHTTPSynthesizerPostsAndReturnsAudio(t *testing.T) {
	var got httpRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tts" {
			t.Errorf("path = %q, want /api/tts", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte("RIFFaudio"))
	}))
	defer srv.Close()

	s := NewHTTPSynthesizer(srv.URL, "tom-fr-high")
	audio, err := s.Synthesize(context.Background(), "Bonjour", "", "calme", "fr")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if string(audio) != "RIFFaudio" {
		t.Fatalf("audio = %q", audio)
	}
	if got.SpeakerID != "p240" {
		t.Fatalf("speaker = %q, want emotion-mapped %q", got.SpeakerID, "p240")
	}
	if got.LanguageID != "fr" || got.Format != "wav" {
		t.Fatalf("unexpected request: %+v", got)
	}
}

func TestHTTPSynthesizerUnknownEmotionFallsBack(t *testing.T) {
	var got httpRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	s := NewHTTPSynthesizer(srv.URL, "tom-fr-high")
	if _, err := s.Synthesize(context.Background(), "Bonjour", "", "furieux", "fr"); err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if got.SpeakerID != "tom-fr-high" {
		t.Fatalf("speaker = %q, want default voice", got.SpeakerID)
	}
}

func TestHTTPSynthesizerErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		text    string
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			text: "Bonjour",
		},
		{
			name:    "empty audio",
			handler: func(_ http.ResponseWriter, _ *http.Request) {},
			text:    "Bonjour",
		},
		{
			name:    "empty text",
			handler: func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("x")) },
			text:    "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			s := NewHTTPSynthesizer(srv.URL, "tom-fr-high")
			if _, err := s.Synthesize(context.Background(), tt.text, "", "", "fr"); !errors.Is(err, ErrSynthesis) {
				t.Fatalf("Synthesize() error = %v, want ErrSynthesis", err)
			}
		})
	}
}

type countingSynth struct {
	calls atomic.Int32
	audio []byte
	err   error
}

func (c *countingSynth) Synthesize(context.Context, string, string, string, string) ([]byte, error) {
	c.calls.Add(1)
	return c.audio, c.err
}

func TestCachedSynthesizerHitsSkipSynthesis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	inner := &countingSynth{audio: []byte("RIFFcached")}
	c := NewCachedSynthesizer(inner, rdb, time.Hour, zerolog.Nop())

	for i := 0; i < 3; i++ {
		audio, err := c.Synthesize(context.Background(), "Bonjour", "p234", "calme", "fr")
		if err != nil {
			t.Fatalf("Synthesize()[%d] error = %v", i, err)
		}
		if string(audio) != "RIFFcached" {
			t.Fatalf("audio = %q", audio)
		}
	}
	if got := inner.calls.Load(); got != 1 {
		t.Fatalf("inner synthesizer called %d times, want 1", got)
	}
}

func TestCachedSynthesizerDistinctVoicesMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	inner := &countingSynth{audio: []byte("x")}
	c := NewCachedSynthesizer(inner, rdb, time.Hour, zerolog.Nop())

	if _, err := c.Synthesize(context.Background(), "Bonjour", "p234", "", "fr"); err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if _, err := c.Synthesize(context.Background(), "Bonjour", "p240", "", "fr"); err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if got := inner.calls.Load(); got != 2 {
		t.Fatalf("inner synthesizer called %d times, want 2", got)
	}
}

func TestCachedSynthesizerPropagatesFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	inner := &countingSynth{err: ErrSynthesis}
	c := NewCachedSynthesizer(inner, rdb, time.Hour, zerolog.Nop())

	if _, err := c.Synthesize(context.Background(), "Bonjour", "", "", "fr"); !errors.Is(err, ErrSynthesis) {
		t.Fatalf("Synthesize() error = %v, want ErrSynthesis", err)
	}
}
