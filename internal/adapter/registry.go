// Package adapter contains one PlatformAdapter implementation per external
// messaging platform, plus the typed factory the router resolves them from.
package adapter

import (
	"fmt"
	"log/slog"

	"msghub/internal/config"
	"msghub/internal/domain"
)

// Registry maps platform ids to adapter constructors. Each connection gets a
// fresh adapter instance; adapters hold per-session state.
type Registry struct {
	factories map[domain.Platform]func() domain.PlatformAdapter
	logger    *slog.Logger
}

// NewRegistry builds the factory from static platform config. Disabled
// platforms are simply not registered, so lookup fails with a checked error.
func NewRegistry(cfg config.PlatformsConfig, logger *slog.Logger) *Registry {
	r := &Registry{
		factories: make(map[domain.Platform]func() domain.PlatformAdapter),
		logger:    logger,
	}
	if cfg.Gmail.Enabled {
		r.Register(domain.PlatformGmail, func() domain.PlatformAdapter {
			return NewGmail(cfg.Gmail, logger)
		})
	}
	if cfg.IMessage.Enabled {
		r.Register(domain.PlatformIMessage, func() domain.PlatformAdapter {
			return NewIMessage(cfg.IMessage, logger)
		})
	}
	if cfg.WhatsApp.Enabled {
		r.Register(domain.PlatformWhatsApp, func() domain.PlatformAdapter {
			return NewWhatsApp(cfg.WhatsApp, logger)
		})
	}
	if cfg.Telegram.Enabled {
		r.Register(domain.PlatformTelegram, func() domain.PlatformAdapter {
			return NewTelegram(logger)
		})
	}
	return r
}

// Register adds a constructor for a platform, replacing any existing one.
func (r *Registry) Register(platform domain.Platform, factory func() domain.PlatformAdapter) {
	r.factories[platform] = factory
}

// New returns a fresh adapter instance for the platform.
func (r *Registry) New(platform domain.Platform) (domain.PlatformAdapter, error) {
	factory, ok := r.factories[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownPlatform, platform)
	}
	return factory(), nil
}

// Platforms lists the registered platform ids.
func (r *Registry) Platforms() []domain.Platform {
	out := make([]domain.Platform, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	return out
}
