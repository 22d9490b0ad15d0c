package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// Call policy (digit maps, backoff table, attempt limits) lives in a separate
// YAML file referenced by Policy.Path; see internal/policy.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Exotel   ExotelConfig
	Dispatch DispatchConfig
	MQTT     MQTTConfig
	Policy   PolicyConfig
	Engine   EngineConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

// ExotelConfig configures the telephony provider adapter.
type ExotelConfig struct {
	AccountSID string
	APIKey     string
	APIToken   string
	Subdomain  string
	CallerID   string
	AppID      string

	// CallbackBaseURL is the public base URL the provider posts events to.
	CallbackBaseURL string
}

// DispatchConfig configures delivery of call outcomes to the business layer.
type DispatchConfig struct {
	OutcomeURL   string
	AuthToken    string
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// MQTTConfig configures the optional lifecycle event feed.
// An empty Broker disables publishing.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
}

type PolicyConfig struct {
	Path string
}

// EngineConfig tunes the orchestration internals.
type EngineConfig struct {
	// SweepInterval is how often the retry scheduler scans for due records.
	SweepInterval time.Duration

	// LookupRetryWindow bounds how long the correlator waits for the
	// external-id bind to commit before dropping an event.
	LookupRetryWindow time.Duration

	// IngestWorkers is the number of concurrent webhook event processors.
	IngestWorkers int

	// MaxConcurrentDials caps in-flight dials against the provider.
	MaxConcurrentDials int
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")

	c.Exotel.AccountSID = strings.TrimSpace(os.Getenv("EXOTEL_ACCOUNT_SID"))
	c.Exotel.APIKey = os.Getenv("EXOTEL_API_KEY")
	c.Exotel.APIToken = os.Getenv("EXOTEL_API_TOKEN")
	c.Exotel.Subdomain = strings.TrimSpace(os.Getenv("EXOTEL_SUBDOMAIN"))
	c.Exotel.CallerID = strings.TrimSpace(os.Getenv("EXOTEL_CALLER_ID"))
	c.Exotel.AppID = strings.TrimSpace(os.Getenv("EXOTEL_APP_ID"))
	c.Exotel.CallbackBaseURL = strings.TrimSpace(os.Getenv("CALLBACK_BASE_URL"))

	c.Dispatch.OutcomeURL = strings.TrimSpace(os.Getenv("OUTCOME_URL"))
	c.Dispatch.AuthToken = os.Getenv("OUTCOME_AUTH_TOKEN")
	c.Dispatch.MaxAttempts = optInt("OUTCOME_MAX_ATTEMPTS", 0)
	c.Dispatch.InitialDelay = mustDuration("OUTCOME_INITIAL_DELAY")
	c.Dispatch.MaxDelay = mustDuration("OUTCOME_MAX_DELAY")

	c.MQTT.Broker = strings.TrimSpace(os.Getenv("MQTT_BROKER"))
	c.MQTT.ClientID = strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))
	c.MQTT.TopicPrefix = strings.TrimSpace(os.Getenv("MQTT_TOPIC_PREFIX"))

	c.Policy.Path = strings.TrimSpace(os.Getenv("CALL_POLICY_FILE"))

	c.Engine.SweepInterval = mustDuration("RETRY_SWEEP_INTERVAL")
	c.Engine.LookupRetryWindow = mustDuration("LOOKUP_RETRY_WINDOW")
	c.Engine.IngestWorkers = optInt("INGEST_WORKERS", 0)
	c.Engine.MaxConcurrentDials = optInt("MAX_CONCURRENT_DIALS", 0)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	if c.Exotel.AccountSID == "" {
		errs = append(errs, errors.New("EXOTEL_ACCOUNT_SID is required"))
	}
	if c.Exotel.APIKey == "" {
		errs = append(errs, errors.New("EXOTEL_API_KEY is required"))
	}
	if c.Exotel.APIToken == "" {
		errs = append(errs, errors.New("EXOTEL_API_TOKEN is required"))
	}
	if c.Exotel.CallerID == "" {
		errs = append(errs, errors.New("EXOTEL_CALLER_ID is required"))
	}
	if c.Exotel.CallbackBaseURL == "" {
		errs = append(errs, errors.New("CALLBACK_BASE_URL is required"))
	}
	if c.Exotel.Subdomain == "" {
		c.Exotel.Subdomain = "api"
	}

	if c.Dispatch.OutcomeURL == "" {
		errs = append(errs, errors.New("OUTCOME_URL is required"))
	}
	if c.Dispatch.MaxAttempts <= 0 {
		c.Dispatch.MaxAttempts = 8
	}
	if c.Dispatch.InitialDelay <= 0 {
		c.Dispatch.InitialDelay = 2 * time.Second
	}
	if c.Dispatch.MaxDelay <= 0 {
		c.Dispatch.MaxDelay = 2 * time.Minute
	}

	// MQTT is optional; apply defaults only when a broker is configured.
	if c.MQTT.Broker != "" {
		if c.MQTT.ClientID == "" {
			c.MQTT.ClientID = "dialout-engine"
		}
		if c.MQTT.TopicPrefix == "" {
			c.MQTT.TopicPrefix = "dialout"
		}
	}

	if c.Policy.Path == "" {
		errs = append(errs, errors.New("CALL_POLICY_FILE is required"))
	}

	if c.Engine.SweepInterval <= 0 {
		c.Engine.SweepInterval = 15 * time.Second
	}
	if c.Engine.LookupRetryWindow <= 0 {
		c.Engine.LookupRetryWindow = 5 * time.Second
	}
	if c.Engine.IngestWorkers <= 0 {
		c.Engine.IngestWorkers = 8
	}
	if c.Engine.MaxConcurrentDials <= 0 {
		c.Engine.MaxConcurrentDials = 20
	}

	return joinErrors(errs)
}

func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c *Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
