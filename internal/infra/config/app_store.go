package config

import (
	"reflect"
	"sync"

	"github.com/coachpo/barrierbus/internal/infra/behavior"
)

// RuleRegistry is the live behavior registry the store keeps in sync.
type RuleRegistry interface {
	Rules() []behavior.Rule
	Replace(rules []behavior.Rule) error
}

// AppConfigStore holds the canonical configuration and persists behavior
// edits via a callback, so rules changed over the API survive a restart.
type AppConfigStore struct {
	mu       sync.RWMutex
	cfg      AppConfig
	registry RuleRegistry
	persist  func(AppConfig) error
}

// NewAppConfigStore seeds a store with initial. registry may be nil.
func NewAppConfigStore(initial AppConfig, registry RuleRegistry, persist func(AppConfig) error) (*AppConfigStore, error) {
	clone := initial.Clone()
	if err := clone.Normalise(); err != nil {
		return nil, err
	}
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	return &AppConfigStore{cfg: clone, registry: registry, persist: persist}, nil
}

// Snapshot returns a deep copy of the current configuration.
func (s *AppConfigStore) Snapshot() AppConfig {
	if s == nil {
		return DefaultAppConfig()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Rules returns the live rules, or the configured ones without a registry.
func (s *AppConfigStore) Rules() []behavior.Rule {
	if s.registry != nil {
		return s.registry.Rules()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRules(s.cfg.Behaviors.Rules)
}

// Replace validates rules, persists the updated configuration and then
// swaps the live registry. Nothing changes when persisting fails.
func (s *AppConfigStore) Replace(rules []behavior.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := s.cfg.Clone()
	updated.Behaviors.Rules = cloneRules(rules)
	if err := updated.Normalise(); err != nil {
		return err
	}
	if err := updated.Validate(); err != nil {
		return err
	}
	if updated.Behaviors.File != "" {
		// rules live in a separate file; only the registry changes.
		return s.apply(updated, false)
	}
	return s.apply(updated, !reflect.DeepEqual(s.cfg.Behaviors.Rules, updated.Behaviors.Rules))
}

func (s *AppConfigStore) apply(updated AppConfig, persist bool) error {
	if s.registry != nil {
		previous := s.registry.Rules()
		if err := s.registry.Replace(updated.Behaviors.Rules); err != nil {
			return err
		}
		if persist && s.persist != nil {
			if err := s.persist(updated.Clone()); err != nil {
				_ = s.registry.Replace(previous)
				return err
			}
		}
	} else if persist && s.persist != nil {
		if err := s.persist(updated.Clone()); err != nil {
			return err
		}
	}
	s.cfg = updated
	return nil
}
