package cfg

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type (
	App struct {
		Name    string
		Version string
	}

	Database struct {
		Driver                string // mysql | sqlite
		Host                  string
		Port                  string
		Username              string
		Password              string
		Database              string
		SqlitePath            string
		MaxIdleConnection     int
		MaxOpenConnection     int
		MaxLifeTimeConnection int
	}

	GithubToken struct {
		Name   string
		Kind   string // user | oauth_app | installation
		Token  string
		Scopes []string
	}

	GithubApp struct {
		AppID          int64
		InstallationID int64
		PrivateKeyPath string
		Scopes         []string
	}

	GithubApi struct {
		ApiUrl            string
		Tokens            []GithubToken
		App               GithubApp
		RequestsPerSecond int
		RequestTimeout    time.Duration
		PerPage           int
		HttpRetryMax      int
		DefaultResetWait  time.Duration
	}

	Indexer struct {
		PageCeiling          int
		RetryAttempts        int
		RetryInitialInterval time.Duration
		RetryMaxInterval     time.Duration
		LeaseTTL             time.Duration
		Parallelism          int
	}

	RateLimit struct {
		Buffer        time.Duration
		SweepInterval time.Duration
		MaxRetries    int
		Retention     time.Duration
	}

	Trigger struct {
		TimeOfDay    string // HH:MM
		Timezone     string
		Mode         string // batched | spread
		SpreadWindow time.Duration
	}

	KafkaTopics struct {
		Index string
		Jobs  string
	}

	Kafka struct {
		Enabled       bool
		Brokers       []string
		Topics        KafkaTopics
		ConsumerGroup string
	}

	Server struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string // json | console
	}
)

type Config struct {
	App       App
	Database  Database
	GithubApi GithubApi
	Indexer   Indexer
	RateLimit RateLimit
	Trigger   Trigger
	Kafka     Kafka
	Server    Server
	Log       Log
}

const (
	TriggerModeBatched = "batched"
	TriggerModeSpread  = "spread"
)

const (
	ScopeRepository   = "repository"
	ScopeCodeScanning = "code_scanning"
)

// scopeNames accepts GitHub's own OAuth scope names next to the internal ones.
var scopeNames = map[string]string{
	ScopeRepository:   ScopeRepository,
	"repo":            ScopeRepository,
	"public_repo":     ScopeRepository,
	ScopeCodeScanning: ScopeCodeScanning,
	"security_events": ScopeCodeScanning,
}

// CanonicalScope maps a configured scope name onto repository or code_scanning.
func CanonicalScope(name string) (string, bool) {
	scope, ok := scopeNames[strings.ToLower(strings.TrimSpace(name))]
	return scope, ok
}

func validateScopes(field string, scopes []string) error {
	var errs []error
	for _, s := range scopes {
		if _, ok := CanonicalScope(s); !ok {
			errs = append(errs, fmt.Errorf("%s: unknown scope %q", field, s))
		}
	}
	return errors.Join(errs...)
}

// Validate checks the scheduling knobs the engine relies on.
func (c *Config) Validate() error {
	var errs []error
	if c.Indexer.PageCeiling <= 0 {
		errs = append(errs, fmt.Errorf("indexer.pageceiling must be positive, got %d", c.Indexer.PageCeiling))
	}
	if c.Indexer.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("indexer.retryattempts must be positive, got %d", c.Indexer.RetryAttempts))
	}
	if c.RateLimit.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("ratelimit.maxretries must be positive, got %d", c.RateLimit.MaxRetries))
	}
	if c.RateLimit.Buffer < 0 {
		errs = append(errs, fmt.Errorf("ratelimit.buffer must not be negative"))
	}
	if c.RateLimit.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("ratelimit.sweepinterval must be positive"))
	}
	if c.RateLimit.Retention <= 0 {
		errs = append(errs, fmt.Errorf("ratelimit.retention must be positive"))
	}
	if _, _, err := ParseTimeOfDay(c.Trigger.TimeOfDay); err != nil {
		errs = append(errs, err)
	}
	if _, err := time.LoadLocation(c.Trigger.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("trigger.timezone: %w", err))
	}
	switch c.Trigger.Mode {
	case TriggerModeBatched, TriggerModeSpread:
	default:
		errs = append(errs, fmt.Errorf("trigger.mode must be %q or %q, got %q", TriggerModeBatched, TriggerModeSpread, c.Trigger.Mode))
	}
	if c.Trigger.Mode == TriggerModeSpread && c.Trigger.SpreadWindow <= 0 {
		errs = append(errs, fmt.Errorf("trigger.spreadwindow must be positive in spread mode"))
	}
	for i, t := range c.GithubApi.Tokens {
		if err := validateScopes(fmt.Sprintf("githubapi.tokens[%d].scopes", i), t.Scopes); err != nil {
			errs = append(errs, err)
		}
	}
	if err := validateScopes("githubapi.app.scopes", c.GithubApi.App.Scopes); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (int, int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("trigger.timeofday %q: expected HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}
