package config

import (
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "dialout", SSLMode: "disable"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
		Exotel: ExotelConfig{
			AccountSID:      "acct1",
			APIKey:          "key",
			APIToken:        "token",
			CallerID:        "02048556923",
			CallbackBaseURL: "https://calls.example.com",
		},
		Dispatch: DispatchConfig{OutcomeURL: "https://business.example.com/api/voice-calls/result"},
		Policy:   PolicyConfig{Path: "policy.yaml"},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validConfig()
	c.App.Env = "production"
	c.DB.SSLMode = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaultsSSLMode(t *testing.T) {
	c := validConfig()
	c.DB.SSLMode = ""
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
}

func TestValidate_EngineDefaults(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Engine.SweepInterval != 15*time.Second {
		t.Fatalf("expected sweep default, got %v", c.Engine.SweepInterval)
	}
	if c.Engine.IngestWorkers != 8 {
		t.Fatalf("expected ingest workers default, got %d", c.Engine.IngestWorkers)
	}
	if c.Dispatch.MaxAttempts != 8 {
		t.Fatalf("expected dispatch attempts default, got %d", c.Dispatch.MaxAttempts)
	}
}

func TestValidate_MQTTOptional(t *testing.T) {
	c := validConfig()
	c.MQTT.Broker = "tcp://localhost:1883"
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.MQTT.ClientID == "" || c.MQTT.TopicPrefix == "" {
		t.Fatalf("expected mqtt defaults, got %+v", c.MQTT)
	}
}
