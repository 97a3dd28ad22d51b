package httpserver

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coachpo/barrierbus/errs"
	"github.com/coachpo/barrierbus/internal/domain/schema"
	"github.com/coachpo/barrierbus/internal/infra/behavior"
	"github.com/coachpo/barrierbus/internal/infra/bus/eventbus"
)

const backupVersion = "1"

// ConfigBackup is an export of the runtime-editable state. Only behavior
// rules are restored; barriers and metrics are informational.
type ConfigBackup struct {
	Version         string                    `json:"version"`
	GeneratedAt     time.Time                 `json:"generatedAt"`
	Environment     string                    `json:"environment,omitempty"`
	Behaviors       []behavior.Rule           `json:"behaviors"`
	PendingBarriers []eventbus.PendingBarrier `json:"pendingBarriers,omitempty"`
	Metrics         *schema.MetricsSnapshot   `json:"metrics,omitempty"`
}

func buildBackupPayload(server *httpServer) (ConfigBackup, error) {
	if server == nil {
		return ConfigBackup{}, fmt.Errorf("http server required")
	}
	if server.behaviors == nil {
		return ConfigBackup{}, fmt.Errorf("behavior registry unavailable")
	}
	payload := ConfigBackup{
		Version:     backupVersion,
		GeneratedAt: time.Now().UTC(),
		Environment: server.environment,
		Behaviors:   server.behaviors.Rules(),
	}
	if server.bus != nil {
		payload.PendingBarriers = server.bus.PendingBarriers()
		metrics := server.bus.Metrics()
		payload.Metrics = &metrics
	}
	if payload.Behaviors == nil {
		payload.Behaviors = []behavior.Rule{}
	}
	return payload, nil
}

func (s *httpServer) exportConfigBackup(w http.ResponseWriter, _ *http.Request) {
	payload, err := buildBackupPayload(s)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *httpServer) restoreConfigBackup(w http.ResponseWriter, r *http.Request) {
	var payload ConfigBackup
	if !decodeJSON(w, r, &payload) {
		return
	}
	if err := validateBackup(payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.behaviors.Replace(payload.Behaviors); err != nil {
		writeError(w, http.StatusBadRequest, errs.MessageOf(err))
		return
	}
	s.logger.Info().
		Str("version", payload.Version).
		Int("rules", len(payload.Behaviors)).
		Msg("configuration restored from backup")
	writeJSON(w, http.StatusOK, map[string]any{"status": "restored", "rules": len(payload.Behaviors)})
}

func validateBackup(payload ConfigBackup) error {
	version := strings.TrimSpace(payload.Version)
	if version == "" {
		return fmt.Errorf("backup version required")
	}
	if version != backupVersion {
		return fmt.Errorf("unsupported backup version %q", version)
	}
	return nil
}
