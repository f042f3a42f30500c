// Package settings loads and saves the versioned commission configuration
// the engines run against. Saves append a new version; reads serve the latest,
// fronted by a short-lived redis cache.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veltrix/compengine/internal/domain"
	"github.com/veltrix/compengine/internal/models"
	"github.com/veltrix/compengine/internal/store"
)

const (
	cacheKey = "compengine:settings:latest"
	cacheTTL = 30 * time.Second
)

type Service struct {
	store    store.SettingsStore
	redis    redis.Cmdable
	validate *validator.Validate
	log      *zap.Logger
}

func New(st store.SettingsStore, rdb redis.Cmdable, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:    st,
		redis:    rdb,
		validate: validator.New(),
		log:      log,
	}
}

// Current returns the latest settings version. Callers hold the returned
// snapshot for the whole run so one run never mixes versions.
func (s *Service) Current(ctx context.Context) (*models.CommissionSettings, error) {
	if s.redis != nil {
		if raw, err := s.redis.Get(ctx, cacheKey).Result(); err == nil {
			var cfg models.CommissionSettings
			if json.Unmarshal([]byte(raw), &cfg) == nil {
				return &cfg, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.log.Warn("settings cache read failed", zap.Error(err))
		}
	}

	cfg, err := s.store.LatestSettings(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("load settings: %w", err)
	}
	s.cache(ctx, cfg)
	return cfg, nil
}

// Save validates and persists a new settings version, invalidating the cache.
func (s *Service) Save(ctx context.Context, cfg *models.CommissionSettings) error {
	if err := s.Validate(cfg); err != nil {
		return err
	}
	if err := s.store.SaveSettings(ctx, cfg); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	s.cache(ctx, cfg)
	s.log.Info("commission settings saved", zap.Int("version", cfg.Version))
	return nil
}

// Validate applies struct tags plus the cross-field rules tags cannot express.
func (s *Service) Validate(cfg *models.CommissionSettings) error {
	if err := s.validate.Struct(cfg); err != nil {
		return domain.Validationf("settings", "%v", err)
	}
	hundred := decimal.NewFromInt(100)
	for i, lvl := range cfg.Levels {
		if lvl.Pct.IsNegative() || lvl.Pct.GreaterThan(hundred) {
			return domain.Validationf("levels", "level %d percentage out of range", i+1)
		}
	}
	if cfg.MatchingPct.IsNegative() || cfg.MatchingPct.GreaterThan(hundred) {
		return domain.Validationf("matching_pct", "out of range")
	}
	if cfg.BoosterPct.IsNegative() || cfg.BoosterPct.GreaterThan(hundred) {
		return domain.Validationf("booster_pct", "out of range")
	}
	if cfg.MaxWithdrawalMicros > 0 && cfg.MaxWithdrawalMicros < cfg.MinWithdrawalMicros {
		return domain.Validationf("max_withdrawal_micros", "below minimum withdrawal")
	}
	// Rank thresholds must be non-decreasing in rank order.
	for i := 1; i < len(cfg.Ranks); i++ {
		prev, cur := cfg.Ranks[i-1], cfg.Ranks[i]
		if cur.Order <= prev.Order {
			return domain.Validationf("ranks", "orders must be strictly increasing")
		}
		if cur.PersonalInvestMicros < prev.PersonalInvestMicros ||
			cur.TeamVolumeMicros < prev.TeamVolumeMicros ||
			cur.DirectReferrals < prev.DirectReferrals ||
			cur.ActiveTeamSize < prev.ActiveTeamSize {
			return domain.Validationf("ranks", "thresholds regress at rank %q", cur.Name)
		}
	}
	return nil
}

func (s *Service) cache(ctx context.Context, cfg *models.CommissionSettings) {
	if s.redis == nil {
		return
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, cacheKey, payload, cacheTTL).Err(); err != nil {
		s.log.Warn("settings cache write failed", zap.Error(err))
	}
}
