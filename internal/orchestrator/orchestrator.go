// Package orchestrator coordinates the session lifecycle: registry record,
// participant token, agent attachment, and the conversational turn pipeline.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/antoniostano/oratio/internal/agent"
	"github.com/antoniostano/oratio/internal/archive"
	"github.com/antoniostano/oratio/internal/audio"
	"github.com/antoniostano/oratio/internal/brain"
	"github.com/antoniostano/oratio/internal/dispatch"
	"github.com/antoniostano/oratio/internal/latency"
	"github.com/antoniostano/oratio/internal/observability"
	"github.com/antoniostano/oratio/internal/protocol"
	"github.com/antoniostano/oratio/internal/session"
	"github.com/antoniostano/oratio/internal/speech"
	"github.com/antoniostano/oratio/internal/token"
)

const (
	// attachGrace is how long session creation waits for the background
	// agent attach before answering with agent_connected=false.
	attachGrace = 2 * time.Second

	transcriptAwaitTimeout = 45 * time.Second
	historyTurnLimit       = 8
	archiveTimeout         = 3 * time.Second

	// publishFrameDuration paces synthesized audio onto the agent track.
	publishFrameDuration = 20 * time.Millisecond
	// fallbackSampleRate frames payloads whose container could not be
	// decoded.
	fallbackSampleRate = 48000
)

// CreateResult is what a client needs to join its session.
type CreateResult struct {
	Session          *session.Session `json:"session"`
	ParticipantToken string           `json:"participant_token"`
	AgentConnected   bool             `json:"agent_connected"`
	AgentIdentity    string           `json:"agent_identity"`
}

// TurnResult is the outcome of one conversational turn.
type TurnResult struct {
	TurnID     string  `json:"turn_id"`
	UserText   string  `json:"user_text"`
	CoachText  string  `json:"coach_text"`
	Emotion    string  `json:"emotion"`
	DurationMS float64 `json:"duration_ms"`
}

type Config struct {
	TokenTTL        time.Duration
	DefaultLanguage string
}

type Orchestrator struct {
	registry   *session.Registry
	agents     *agent.Manager
	issuer     *token.Issuer
	dispatcher *dispatch.Dispatcher
	brain      brain.Client
	synth      speech.Synthesizer
	store      archive.Store
	latency    *latency.Recorder
	metrics    *observability.Metrics
	log        zerolog.Logger
	cfg        Config

	events *eventHub
}

func New(
	registry *session.Registry,
	agents *agent.Manager,
	issuer *token.Issuer,
	dispatcher *dispatch.Dispatcher,
	brainClient brain.Client,
	synth speech.Synthesizer,
	store archive.Store,
	recorder *latency.Recorder,
	metrics *observability.Metrics,
	log zerolog.Logger,
	cfg Config,
) *Orchestrator {
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "fr"
	}
	o := &Orchestrator{
		registry:   registry,
		agents:     agents,
		issuer:     issuer,
		dispatcher: dispatcher,
		brain:      brainClient,
		synth:      synth,
		store:      store,
		latency:    recorder,
		metrics:    metrics,
		log:        log,
		cfg:        cfg,
		events:     newEventHub(),
	}
	agents.OnStateChange(o.onAgentChange)
	registry.SetExpireHook(o.onSessionExpired)
	return o
}

// CreateSession registers a session, issues the participant's token, and
// launches the agent attach in the background. The returned agent_connected
// flag is best-effort: it reports whether the agent made it into the room
// within a short grace window, not a promise about its final state.
func (o *Orchestrator) CreateSession(ctx context.Context, userID, scenarioID, language string) (*CreateResult, error) {
	if language == "" {
		language = o.cfg.DefaultLanguage
	}
	s := o.registry.Create(userID, scenarioID, language)
	o.countEvent("created")

	participantToken, err := o.issuer.Issue(s.RoomName, "user-"+userID, userID, token.ParticipantGrants(), o.cfg.TokenTTL)
	if err != nil {
		_, _ = o.registry.End(s.ID)
		return nil, fmt.Errorf("issue participant token: %w", err)
	}
	if o.metrics != nil {
		o.metrics.TokensIssued.WithLabelValues("participant").Inc()
	}

	agentIdentity := agent.Identity(s.ID)
	if err := o.registry.SetAgentIdentity(s.ID, agentIdentity); err == nil {
		s.AgentIdentity = agentIdentity
	}
	if updated, err := o.registry.SetState(s.ID, session.StateAgentConnecting); err == nil {
		s = updated
	}
	o.publishState(s.ID, string(session.StateAgentConnecting))

	attached := make(chan error, 1)
	go func() {
		attached <- o.agents.Connect(context.WithoutCancel(ctx), s.ID, s.RoomName, userID)
	}()

	agentConnected := false
	select {
	case err := <-attached:
		agentConnected = err == nil
	case <-time.After(attachGrace):
	case <-ctx.Done():
	}

	if o.metrics != nil {
		o.metrics.ActiveSessions.Set(float64(o.registry.ActiveCount()))
	}
	if snap, err := o.registry.Get(s.ID); err == nil {
		s = snap
	}
	return &CreateResult{
		Session:          s,
		ParticipantToken: participantToken,
		AgentConnected:   agentConnected,
		AgentIdentity:    agentIdentity,
	}, nil
}

// onAgentChange reconciles agent outcomes into the session registry. The
// agent manager pushes every transition here, so the registry never has to
// poll for attach results.
func (o *Orchestrator) onAgentChange(change agent.StateChange) {
	switch change.State {
	case agent.StateConnected:
		if _, err := o.registry.SetState(change.SessionID, session.StateActive); err == nil {
			o.countEvent("agent_attached")
		}
	case agent.StateFailed:
		if _, err := o.registry.SetState(change.SessionID, session.StateActiveNoAgent); err == nil {
			o.countEvent("agent_attach_failed")
			o.log.Warn().Str("session_id", change.SessionID).Err(change.Err).
				Msg("session continues without agent")
		}
	}
	detail := ""
	if change.Err != nil {
		detail = change.Err.Error()
	}
	o.events.publish(change.SessionID, protocol.NewAgentStatus(change.SessionID, change.Identity, string(change.State), detail))
	if snap, err := o.registry.Get(change.SessionID); err == nil {
		o.publishState(change.SessionID, string(snap.State))
	}
}

// RunTurn executes one conversational turn: transcribe the user's audio,
// generate the coach's reply, synthesize it, and feed it to the agent's
// track when one is attached. Latency is recorded per stage regardless of
// where the turn fails.
func (o *Orchestrator) RunTurn(ctx context.Context, sessionID, audioB64, language string) (*TurnResult, error) {
	s, err := o.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if language == "" {
		language = s.Language
	}
	_ = o.registry.Touch(sessionID)

	turnID := uuid.NewString()
	turnStart := time.Now()

	// Speech to text through the worker pool.
	sttStart := time.Now()
	handle, err := o.dispatcher.Submit(ctx, dispatch.Task{
		SessionID: sessionID,
		AudioB64:  audioB64,
		Language:  language,
	})
	if err != nil {
		o.turnError("stt")
		return nil, fmt.Errorf("submit speech task: %w", err)
	}
	transcript, err := o.dispatcher.Await(ctx, handle, transcriptAwaitTimeout)
	if err != nil {
		o.turnError("stt")
		o.publishError(sessionID, "stt", err)
		return nil, fmt.Errorf("await transcript: %w", err)
	}
	o.record(sessionID, latency.StageSTT, time.Since(sttStart))

	// Coach reply.
	llmStart := time.Now()
	history, err := o.history(ctx, sessionID)
	if err != nil {
		o.log.Warn().Err(err).Str("session_id", sessionID).Msg("turn history unavailable")
	}
	history = append(history, brain.Message{Role: "user", Content: transcript.Text})
	reply, err := o.brain.Generate(ctx, history, brain.Scenario{
		ID:       s.ScenarioID,
		Language: language,
	})
	if err != nil {
		o.turnError("llm")
		o.publishError(sessionID, "llm", err)
		return nil, fmt.Errorf("generate reply: %w", err)
	}
	o.record(sessionID, latency.StageLLM, time.Since(llmStart))

	// Reply audio.
	ttsStart := time.Now()
	voiced, err := o.synth.Synthesize(ctx, reply.Text, "", reply.Emotion, language)
	if err != nil {
		o.turnError("tts")
		o.publishError(sessionID, "tts", err)
		return nil, fmt.Errorf("synthesize reply: %w", err)
	}
	o.record(sessionID, latency.StageTTS, time.Since(ttsStart))

	// Voice the reply through the agent when one is in the room. A session
	// running without agent still gets the textual result.
	if err := o.agents.Publish(ctx, sessionID, frameAudio(voiced), publishFrameDuration); err != nil {
		o.log.Warn().Err(err).Str("session_id", sessionID).Msg("reply not voiced")
	}

	total := time.Since(turnStart)
	o.record(sessionID, latency.StageTotal, total)

	result := &TurnResult{
		TurnID:     turnID,
		UserText:   transcript.Text,
		CoachText:  reply.Text,
		Emotion:    reply.Emotion,
		DurationMS: float64(total.Milliseconds()),
	}
	o.archiveTurn(ctx, sessionID, result)
	o.events.publish(sessionID, protocol.NewTurnResult(sessionID, turnID, result.UserText, result.CoachText, result.Emotion, result.DurationMS))
	o.countEvent("turn_completed")
	return result, nil
}

// archiveTurn persists one completed exchange. Archiving is best-effort:
// a store failure loses history depth for later turns but never fails the
// turn that already ran.
func (o *Orchestrator) archiveTurn(ctx context.Context, sessionID string, result *TurnResult) {
	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	err := o.store.SaveTurn(archiveCtx, archive.TurnRecord{
		ID:         result.TurnID,
		SessionID:  sessionID,
		UserText:   result.UserText,
		CoachText:  result.CoachText,
		Emotion:    result.Emotion,
		DurationMS: result.DurationMS,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		o.log.Warn().Err(err).Str("session_id", sessionID).Str("turn_id", result.TurnID).Msg("turn archive failed")
	}
}

func (o *Orchestrator) history(ctx context.Context, sessionID string) ([]brain.Message, error) {
	turns, err := o.store.RecentTurns(ctx, sessionID, historyTurnLimit)
	if err != nil {
		return nil, err
	}
	history := make([]brain.Message, 0, len(turns)*2)
	for _, t := range turns {
		history = append(history,
			brain.Message{Role: "user", Content: t.UserText},
			brain.Message{Role: "assistant", Content: t.CoachText},
		)
	}
	return history, nil
}

// Terminate ends a session: agent teardown, registry eviction, archive
// flush, latency window release. Terminating an unknown or already ended
// session is a no-op.
func (o *Orchestrator) Terminate(ctx context.Context, sessionID string) error {
	s, err := o.registry.End(sessionID)
	if err != nil {
		// Already gone: still make sure no agent handle survives.
		o.agents.Cleanup(sessionID)
		return nil
	}
	o.teardown(ctx, s)
	return nil
}

func (o *Orchestrator) onSessionExpired(s *session.Session) {
	o.countEvent("expired")
	o.log.Info().Str("session_id", s.ID).Msg("idle session expired")
	o.teardown(context.Background(), s)
}

func (o *Orchestrator) teardown(ctx context.Context, s *session.Session) {
	o.agents.Cleanup(s.ID)
	o.latency.Forget(s.ID)

	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	err := o.store.SaveSession(archiveCtx, archive.SessionRecord{
		ID:         s.ID,
		UserID:     s.UserID,
		RoomName:   s.RoomName,
		ScenarioID: s.ScenarioID,
		Language:   s.Language,
		FinalState: string(s.State),
		StartedAt:  s.CreatedAt,
		EndedAt:    s.UpdatedAt,
	})
	if err != nil {
		o.log.Warn().Err(err).Str("session_id", s.ID).Msg("session archive failed")
	}

	o.publishState(s.ID, string(session.StateEnded))
	o.events.close(s.ID)
	o.countEvent("ended")
	if o.metrics != nil {
		o.metrics.ActiveSessions.Set(float64(o.registry.ActiveCount()))
	}
}

// ListActive returns a consistent snapshot of live sessions.
func (o *Orchestrator) ListActive() map[string]*session.Session {
	return o.registry.ListActive()
}

// Session returns the current snapshot of one session.
func (o *Orchestrator) Session(sessionID string) (*session.Session, error) {
	return o.registry.Get(sessionID)
}

// QueueDepth reports pending speech tasks, best-effort.
func (o *Orchestrator) QueueDepth(ctx context.Context) int {
	depth, err := o.dispatcher.Depth(ctx)
	if err != nil {
		return -1
	}
	return depth
}

// Latency summarizes recorded stage latency for a session, or globally when
// sessionID is empty.
func (o *Orchestrator) Latency(sessionID string) latency.Summary {
	return o.latency.Summarize(sessionID)
}

// AgentStatus exposes the agent manager's view of one session.
func (o *Orchestrator) AgentStatus(sessionID string) (agent.Status, bool) {
	return o.agents.Status(sessionID)
}

// Subscribe attaches an event listener for one session's server-push
// events. The returned cancel must be called when the listener goes away.
func (o *Orchestrator) Subscribe(sessionID string) (<-chan any, func()) {
	return o.events.subscribe(sessionID)
}

func (o *Orchestrator) record(sessionID string, stage latency.Stage, d time.Duration) {
	o.latency.Record(sessionID, stage, d)
	if o.metrics != nil {
		o.metrics.ObserveStageLatency(string(stage), d)
	}
}

func (o *Orchestrator) publishState(sessionID, state string) {
	o.events.publish(sessionID, protocol.NewSessionState(sessionID, state))
}

func (o *Orchestrator) publishError(sessionID, source string, err error) {
	o.events.publish(sessionID, protocol.NewErrorEvent(sessionID, source, err.Error(), false))
}

func (o *Orchestrator) countEvent(event string) {
	if o.metrics != nil {
		o.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (o *Orchestrator) turnError(stage string) {
	if o.metrics != nil {
		o.metrics.TurnErrors.WithLabelValues(stage).Inc()
	}
}

// frameAudio unwraps the synthesizer's WAV payload and slices the PCM into
// paced frames for the agent's track writer. Payloads in an unrecognized
// container are framed as-is at the fallback rate.
func frameAudio(data []byte) [][]byte {
	pcm, rate, err := audio.DecodeWAVPCM16LE(data)
	if err != nil {
		return audio.Frame(data, fallbackSampleRate, publishFrameDuration)
	}
	return audio.Frame(pcm, rate, publishFrameDuration)
}
