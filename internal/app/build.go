// Package app assembles the service graph from configuration. main stays a
// thin shell around Build so the wiring has one owner.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/antoniostano/oratio/internal/agent"
	"github.com/antoniostano/oratio/internal/archive"
	"github.com/antoniostano/oratio/internal/brain"
	"github.com/antoniostano/oratio/internal/config"
	"github.com/antoniostano/oratio/internal/dispatch"
	"github.com/antoniostano/oratio/internal/httpapi"
	"github.com/antoniostano/oratio/internal/latency"
	"github.com/antoniostano/oratio/internal/observability"
	"github.com/antoniostano/oratio/internal/orchestrator"
	"github.com/antoniostano/oratio/internal/session"
	"github.com/antoniostano/oratio/internal/speech"
	"github.com/antoniostano/oratio/internal/token"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Registry     *session.Registry
	Dispatcher   *dispatch.Dispatcher
	Agents       *agent.Manager
	Orchestrator *orchestrator.Orchestrator
	Metrics      *observability.Metrics

	// Cleanup releases external resources (agent connections, archive
	// store, redis) and is safe to call after the HTTP server has drained.
	Cleanup func() error
}

// Build constructs every component of the service and wires them together.
// It fails fast on anything that would leave the service unable to run:
// missing LiveKit credentials, an unreachable redis, a bad DATABASE_URL.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	issuer, err := token.NewIssuer(cfg.LiveKitAPIKey, cfg.LiveKitAPISecret, cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("livekit credentials: %w", err)
	}

	store, err := archive.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("archive store init failed: %w", err)
	}
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL not set, session archive is in-memory only")
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("redis unreachable: %w", err)
		}
	}

	var queue dispatch.Queue
	if rdb != nil {
		queue = dispatch.NewRedisQueue(rdb, "oratio", cfg.QueueCapacity, cfg.TaskLeaseTTL)
		log.Info().Msg("speech task queue: redis")
	} else {
		queue = dispatch.NewMemoryQueue(cfg.QueueCapacity, cfg.TaskLeaseTTL)
		log.Info().Msg("speech task queue: in-memory")
	}

	transcriber := dispatch.NewWhisperTranscriber(cfg.WhisperURL, 0)
	dispatcher := dispatch.New(queue, transcriber, dispatch.Config{Workers: cfg.QueueWorkers}, log, metrics)

	registry := session.NewRegistry(cfg.RoomPrefix, cfg.SessionInactivityTimeout)

	agents := agent.NewManager(agent.NewLiveKitDialer(cfg.LiveKitURL), issuer, agent.Config{
		ConnectTimeout: cfg.AgentConnectTimeout,
		MaxAttempts:    cfg.AgentMaxAttempts,
		BackoffBase:    cfg.AgentBackoffBase,
		BackoffCap:     cfg.AgentBackoffCap,
	}, log, metrics)

	if cfg.ChatAPIKey == "" {
		log.Warn().Msg("CHAT_API_KEY not set, coach replies will fail until configured")
	}
	brainClient := brain.NewOpenAIBrain(brain.Config{
		APIKey:  cfg.ChatAPIKey,
		BaseURL: cfg.ChatBaseURL,
		Model:   cfg.ChatModel,
	})

	var synth speech.Synthesizer = speech.NewHTTPSynthesizer(cfg.TTSURL, cfg.TTSVoice)
	if rdb != nil {
		synth = speech.NewCachedSynthesizer(synth, rdb, 0, log)
		log.Info().Msg("tts cache: redis")
	}

	orch := orchestrator.New(
		registry,
		agents,
		issuer,
		dispatcher,
		brainClient,
		synth,
		store,
		latency.NewRecorder(cfg.LatencyWindow),
		metrics,
		log,
		orchestrator.Config{TokenTTL: cfg.TokenTTL},
	)

	api := httpapi.New(cfg, orch, issuer, metrics, log)

	cleanup := func() error {
		agents.CloseAll()
		err := store.Close()
		if rdb != nil {
			if cerr := rdb.Close(); err == nil {
				err = cerr
			}
		}
		return err
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Registry:     registry,
		Dispatcher:   dispatcher,
		Agents:       agents,
		Orchestrator: orch,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}
