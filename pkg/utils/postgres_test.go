package utils

import (
	"testing"
	"time"
)

func TestPostgresPoolConfigDefaults(t *testing.T) {
	got := PostgresPoolConfig{}.withDefaults()

	if got.MaxOpenConns != 25 || got.MaxIdleConns != 25 {
		t.Fatalf("conns %d/%d", got.MaxOpenConns, got.MaxIdleConns)
	}
	if got.ConnMaxLifetime != 30*time.Minute {
		t.Fatalf("lifetime %v", got.ConnMaxLifetime)
	}
	if got.ConnMaxIdleTime != 5*time.Minute {
		t.Fatalf("idle time %v", got.ConnMaxIdleTime)
	}
	if got.PingTimeout != 5*time.Second {
		t.Fatalf("ping timeout %v", got.PingTimeout)
	}
}

func TestPostgresPoolConfigExplicitValuesKept(t *testing.T) {
	in := PostgresPoolConfig{
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
		ConnMaxIdleTime: time.Second,
		PingTimeout:     time.Second,
	}
	if got := in.withDefaults(); got != in {
		t.Fatalf("explicit config changed: %+v", got)
	}
}
