package config

import (
	"errors"
	"testing"
	"time"

	"github.com/coachpo/barrierbus/internal/domain/schema"
	"github.com/coachpo/barrierbus/internal/infra/behavior"
)

func approvalRule(pattern string) behavior.Rule {
	return behavior.Rule{
		Pattern: pattern,
		Mode:    schema.ModeApproval,
		Barrier: &schema.BarrierConfig{Quorum: 1, Timeout: time.Second, TimeoutAction: schema.TimeoutBlock},
	}
}

func TestAppConfigStoreReplacePersistsChanges(t *testing.T) {
	registry, err := behavior.NewRegistry(nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	var persisted []AppConfig
	store, err := NewAppConfigStore(DefaultAppConfig(), registry, func(cfg AppConfig) error {
		persisted = append(persisted, cfg)
		return nil
	})
	if err != nil {
		t.Fatalf("NewAppConfigStore failed: %v", err)
	}

	rules := []behavior.Rule{approvalRule("tool/#")}
	if err := store.Replace(rules); err != nil {
		t.Fatalf("Replace returned error: %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("expected a single persisted snapshot, got %d", len(persisted))
	}
	if got := persisted[0].Behaviors.Rules; len(got) != 1 || got[0].Pattern != "tool/#" {
		t.Fatalf("unexpected persisted rules %+v", got)
	}
	if got := registry.Rules(); len(got) != 1 {
		t.Fatalf("registry not updated: %+v", got)
	}

	// Re-applying the same rules should not trigger persistence again.
	if err := store.Replace(rules); err != nil {
		t.Fatalf("Replace returned error: %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("expected persistence to be skipped for unchanged rules, got %d updates", len(persisted))
	}
	if got := store.Snapshot().Behaviors.Rules; len(got) != 1 {
		t.Fatalf("snapshot rules not updated: %+v", got)
	}
}

func TestAppConfigStoreRollsBackOnPersistFailure(t *testing.T) {
	registry, err := behavior.NewRegistry([]behavior.Rule{approvalRule("chat/#")})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	initial := DefaultAppConfig()
	initial.Behaviors.Rules = registry.Rules()
	store, err := NewAppConfigStore(initial, registry, func(AppConfig) error {
		return errors.New("disk full")
	})
	if err != nil {
		t.Fatalf("NewAppConfigStore failed: %v", err)
	}

	if err := store.Replace([]behavior.Rule{approvalRule("tool/#")}); err == nil {
		t.Fatal("expected persist error")
	}
	got := registry.Rules()
	if len(got) != 1 || got[0].Pattern != "chat/#" {
		t.Fatalf("registry should keep previous rules, got %+v", got)
	}
	if store.Snapshot().Behaviors.Rules[0].Pattern != "chat/#" {
		t.Fatal("snapshot should keep previous rules")
	}
}

func TestAppConfigStoreRejectsInvalidRules(t *testing.T) {
	store, err := NewAppConfigStore(DefaultAppConfig(), nil, nil)
	if err != nil {
		t.Fatalf("NewAppConfigStore failed: %v", err)
	}
	if err := store.Replace([]behavior.Rule{{Pattern: "a/#/b", Mode: schema.ModePassive}}); err == nil {
		t.Fatal("expected invalid pattern error")
	}
	if err := store.Replace([]behavior.Rule{approvalRule("x/+")}); err != nil {
		t.Fatalf("Replace returned error: %v", err)
	}
	if got := store.Rules(); len(got) != 1 || got[0].Pattern != "x/+" {
		t.Fatalf("unexpected rules %+v", got)
	}
}

func TestAppConfigStoreSkipsPersistForRulesFile(t *testing.T) {
	registry, err := behavior.NewRegistry(nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	initial := DefaultAppConfig()
	initial.Behaviors.File = "rules.yaml"
	persisted := 0
	store, err := NewAppConfigStore(initial, registry, func(AppConfig) error {
		persisted++
		return nil
	})
	if err != nil {
		t.Fatalf("NewAppConfigStore failed: %v", err)
	}
	if err := store.Replace([]behavior.Rule{approvalRule("tool/#")}); err != nil {
		t.Fatalf("Replace returned error: %v", err)
	}
	if persisted != 0 {
		t.Fatalf("expected no persistence, got %d", persisted)
	}
	if len(registry.Rules()) != 1 {
		t.Fatal("registry should be updated")
	}
}
