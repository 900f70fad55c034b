package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/baechuer/productbazar-client/internal/domain"
	"github.com/baechuer/productbazar-client/internal/logger"
)

// Scope separates values that survive a restart from those bound to one client session.
type Scope string

const (
	ScopePersistent Scope = "persistent"
	ScopeSession    Scope = "session"
)

// Store is a string key/value store for a single scope.
// Get reports absence with ok=false; errors are reserved for storage failures.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Sessions groups the two scopes handed to every component.
type Sessions struct {
	Persistent Store
	Session    Store
}

// NewMemorySessions returns in-process stores for both scopes.
func NewMemorySessions() Sessions {
	return Sessions{Persistent: NewMemoryStore(), Session: NewMemoryStore()}
}

// Persistent keys.
const (
	KeyAccessToken  = "accessToken"
	KeyUser         = "user"
	KeyUserID       = "userId"
	KeyNextStep     = "nextStep"
	KeySkippedSteps = "skippedSteps"
)

// Session keys.
const (
	KeyViewSessionID = "viewSessionId"
)

func RecommendationSettingsKey(userID string) string {
	return "recommendation_settings_" + userID
}

// ViewMarkerKey is the per-(product, source) de-duplication marker.
func ViewMarkerKey(productID, source string) string {
	return fmt.Sprintf("view-%s-%s", productID, source)
}

// InteractionMarkerKey throttles high-frequency interaction kinds per target.
func InteractionMarkerKey(kind, target string) string {
	return fmt.Sprintf("interaction-%s-%s", kind, target)
}

// GetJSON decodes key into dest. A value that fails to parse is removed and reported absent.
func GetJSON(ctx context.Context, s Store, key string, dest any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		logger.Log.Warn().Err(err).Str("key", key).Msg("session_value_corrupt")
		_ = s.Remove(ctx, key)
		return false, nil
	}
	return true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return domain.ErrStorage(err)
	}
	return s.Set(ctx, key, string(b))
}
