package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/livekit/protocol/auth"
)

// ErrNotConfigured is returned when signing credentials are absent.
var ErrNotConfigured = errors.New("livekit api key/secret not configured")

// Grants is the permission set encoded into a capability token.
type Grants struct {
	CanPublish     bool
	CanSubscribe   bool
	CanPublishData bool
	Hidden         bool
}

// ParticipantGrants is the default permission set for a human participant.
func ParticipantGrants() Grants {
	return Grants{CanPublish: true, CanSubscribe: true, CanPublishData: true}
}

// AgentGrants is the permission set for the AI agent: full media access,
// hidden from the participant list.
func AgentGrants() Grants {
	return Grants{CanPublish: true, CanSubscribe: true, CanPublishData: true, Hidden: true}
}

// Issuer signs room capability tokens. It is stateless and safe for
// concurrent use.
type Issuer struct {
	apiKey     string
	apiSecret  string
	defaultTTL time.Duration
}

func NewIssuer(apiKey, apiSecret string, defaultTTL time.Duration) (*Issuer, error) {
	if strings.TrimSpace(apiKey) == "" || strings.TrimSpace(apiSecret) == "" {
		return nil, ErrNotConfigured
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Issuer{apiKey: apiKey, apiSecret: apiSecret, defaultTTL: defaultTTL}, nil
}

// Issue signs a join token for the given room and identity. The encoded
// grant's room always equals the requested room; a zero ttl falls back to
// the issuer default.
func (i *Issuer) Issue(room, identity, displayName string, grants Grants, ttl time.Duration) (string, error) {
	if strings.TrimSpace(room) == "" {
		return "", fmt.Errorf("room name is required")
	}
	if strings.TrimSpace(identity) == "" {
		return "", fmt.Errorf("participant identity is required")
	}
	if ttl <= 0 {
		ttl = i.defaultTTL
	}
	if displayName == "" {
		displayName = identity
	}

	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     room,
		Hidden:   grants.Hidden,
	}
	grant.SetCanPublish(grants.CanPublish)
	grant.SetCanSubscribe(grants.CanSubscribe)
	grant.SetCanPublishData(grants.CanPublishData)

	at := auth.NewAccessToken(i.apiKey, i.apiSecret).
		SetVideoGrant(grant).
		SetIdentity(identity).
		SetName(displayName).
		SetValidFor(ttl)

	jwt, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return jwt, nil
}
