package postgres

import (
	"context"
	"strings"
	"testing"
)

func TestConnectRequiresDSN(t *testing.T) {
	_, err := Connect(context.Background(), PoolConfig{DSN: "   "})
	if err == nil || !strings.Contains(err.Error(), "dsn required") {
		t.Fatalf("expected dsn error, got %v", err)
	}
}

func TestConnectRejectsMalformedDSN(t *testing.T) {
	_, err := Connect(context.Background(), PoolConfig{DSN: "postgres://%zz"})
	if err == nil || !strings.Contains(err.Error(), "parse dsn") {
		t.Fatalf("expected parse error, got %v", err)
	}
}
