package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/barrierbus/internal/infra/config"
)

func TestRunRequiresCommand(t *testing.T) {
	require.ErrorContains(t, run(nil), "command required")
}

func TestRunRequiresDSN(t *testing.T) {
	t.Setenv(config.EnvVarDatabaseDSN, "")
	require.ErrorContains(t, run([]string{"-quiet", "up"}), "-dsn")
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	require.ErrorContains(t, run([]string{"-quiet", "-dsn", "postgres://localhost/db", "sideways"}), "unknown command")
}

func TestRunRejectsBadDownSteps(t *testing.T) {
	require.ErrorContains(t, run([]string{"-quiet", "-dsn", "postgres://localhost/db", "down", "two"}), "invalid down steps")
}

func TestRunListsEmbeddedMigrations(t *testing.T) {
	require.NoError(t, run([]string{"-quiet", "list"}))
}
