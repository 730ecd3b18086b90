package speech

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CachedSynthesizer memoizes synthesized audio in Redis. Repeated coach
// phrases (greetings, transition lines) dominate TTS traffic, so a hit skips
// the synthesis round-trip entirely. Cache failures degrade to a plain
// synthesis call, never to an error.
type CachedSynthesizer struct {
	inner Synthesizer
	rdb   *redis.Client
	ttl   time.Duration
	log   zerolog.Logger
}

func NewCachedSynthesizer(inner Synthesizer, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *CachedSynthesizer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedSynthesizer{inner: inner, rdb: rdb, ttl: ttl, log: log}
}

func (c *CachedSynthesizer) Synthesize(ctx context.Context, text, speakerID, emotion, language string) ([]byte, error) {
	key := cacheKey(text, speakerID, emotion, language)

	if audio, err := c.rdb.Get(ctx, key).Bytes(); err == nil && len(audio) > 0 {
		return audio, nil
	} else if err != nil && err != redis.Nil {
		c.log.Warn().Err(err).Msg("tts cache read failed")
	}

	audio, err := c.inner.Synthesize(ctx, text, speakerID, emotion, language)
	if err != nil {
		return nil, err
	}
	if err := c.rdb.Set(ctx, key, audio, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Msg("tts cache write failed")
	}
	return audio, nil
}

func cacheKey(text, speakerID, emotion, language string) string {
	sum := sha256.Sum256([]byte(text + "|" + speakerID + "|" + emotion + "|" + language))
	return "tts:" + language + ":" + hex.EncodeToString(sum[:])
}
