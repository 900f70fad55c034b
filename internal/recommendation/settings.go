package recommendation

import (
	"context"

	"github.com/go-playground/validator/v10"

	"github.com/baechuer/productbazar-client/internal/domain"
	"github.com/baechuer/productbazar-client/internal/session"
)

var validate = validator.New()

func (s *Scheduler) settingsKey() string {
	id := s.identity.CurrentUserID()
	if id == "" {
		id = "anonymous"
	}
	return session.RecommendationSettingsKey(id)
}

// Settings returns the signed-in user's settings, or the defaults when none are stored.
func (s *Scheduler) Settings(ctx context.Context) (domain.RecommendationSettings, error) {
	out := domain.DefaultRecommendationSettings()
	if s.prefs == nil {
		return out, nil
	}
	var stored domain.RecommendationSettings
	ok, err := session.GetJSON(ctx, s.prefs, s.settingsKey(), &stored)
	if err != nil {
		return out, err
	}
	if ok {
		out = stored
	}
	return out, nil
}

// SaveSettings validates and persists settings. A change marks the biased lists stale.
func (s *Scheduler) SaveSettings(ctx context.Context, settings domain.RecommendationSettings) error {
	if err := validate.Struct(settings); err != nil {
		return domain.Wrap(domain.KindValidation, "invalid_settings", "invalid recommendation settings", err)
	}
	prev, _ := s.Settings(ctx)
	if s.prefs != nil {
		if err := session.SetJSON(ctx, s.prefs, s.settingsKey(), settings); err != nil {
			return err
		}
	}
	if prev != settings {
		s.MarkStale(domain.BiasedRecKinds...)
	}
	return nil
}
