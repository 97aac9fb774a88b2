package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig is built once at startup and never mutated afterwards.
type AppConfig struct {
	OneBotWSURL       string
	OneBotAccessToken string
	OneBotRetryDelay  time.Duration

	BotID         string
	AuthorizedIDs []string
	CommandPrefix string

	RconSettings

	RewriteAPIBase string
	RewriteAPIKey  string
	RewriteModel   string
	RewriteTimeout time.Duration

	MessagesDir string

	AuditSettings
}

// RconSettings is the MCRCON_* block, shared by the relay and cmd/rconcheck.
type RconSettings struct {
	RconHost        string
	RconPort        int
	RconPassword    string
	RconDialTimeout time.Duration // MCRCON_DIAL_TIMEOUT: TCP connect only
	RconDeadline    time.Duration // MCRCON_TIMEOUT: I/O deadline for auth and the command exchange
}

// RconAddr returns host:port for the RCON endpoint.
func (c *RconSettings) RconAddr() string {
	return c.RconHost + ":" + strconv.Itoa(c.RconPort)
}

// AuditSettings selects the audit backends.
type AuditSettings struct {
	RedisURL          string
	DatabaseURL       string
	AuditHistoryLimit int
}

// RewriteEnabled reports whether a text-generation endpoint is configured.
func (c *AppConfig) RewriteEnabled() bool {
	return c.RewriteAPIBase != ""
}

// Load reads .env (if present) and the process environment.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()
	return FromLookup(os.LookupEnv)
}

// LoadRcon reads only the MCRCON_* settings.
func LoadRcon() (*RconSettings, error) {
	_ = godotenv.Load()
	return RconFromLookup(os.LookupEnv)
}

// LoadAudit reads only the audit backend settings.
func LoadAudit() AuditSettings {
	_ = godotenv.Load()
	return AuditFromLookup(os.LookupEnv)
}

func getter(lookup func(string) (string, bool)) func(string) string {
	return func(k string) string {
		v, _ := lookup(k)
		return strings.TrimSpace(v)
	}
}

func RconFromLookup(lookup func(string) (string, bool)) (*RconSettings, error) {
	get := getter(lookup)
	rc := &RconSettings{
		RconHost:        "localhost",
		RconPort:        25575,
		RconDialTimeout: 5 * time.Second,
		RconDeadline:    10 * time.Second,
	}
	if v := get("MCRCON_HOST"); v != "" {
		rc.RconHost = v
	}
	if v := get("MCRCON_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("MCRCON_PORT: invalid port %q", v)
		}
		rc.RconPort = n
	}
	rc.RconPassword = get("MCRCON_PASS")
	if rc.RconPassword == "" {
		return nil, errors.New("MCRCON_PASS is required")
	}
	if v := get("MCRCON_DIAL_TIMEOUT"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("MCRCON_DIAL_TIMEOUT: %w", err)
		}
		rc.RconDialTimeout = d
	}
	if v := get("MCRCON_TIMEOUT"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("MCRCON_TIMEOUT: %w", err)
		}
		rc.RconDeadline = d
	}
	return rc, nil
}

func AuditFromLookup(lookup func(string) (string, bool)) AuditSettings {
	get := getter(lookup)
	a := AuditSettings{
		RedisURL:          get("REDIS_URL"),
		DatabaseURL:       get("DATABASE_URL"),
		AuditHistoryLimit: 200,
	}
	if v := get("AUDIT_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			a.AuditHistoryLimit = n
		}
	}
	return a
}

// FromLookup builds the config from an arbitrary env lookup. Tests pass a map-backed lookup.
func FromLookup(lookup func(string) (string, bool)) (*AppConfig, error) {
	get := getter(lookup)

	rc, err := RconFromLookup(lookup)
	if err != nil {
		return nil, err
	}
	cfg := &AppConfig{
		OneBotWSURL:      "ws://go-cqhttp:8080/onebot/v11/ws",
		OneBotRetryDelay: 10 * time.Second,
		CommandPrefix:    "/",
		RconSettings:     *rc,
		RewriteModel:     "gpt-4o-mini",
		RewriteTimeout:   30 * time.Second,
		AuditSettings:    AuditFromLookup(lookup),
	}

	if v := get("ONEBOT_WS_URL"); v != "" {
		cfg.OneBotWSURL = v
	}
	cfg.OneBotAccessToken = get("ONEBOT_ACCESS_TOKEN")
	if v := get("ONEBOT_RETRY_DELAY"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("ONEBOT_RETRY_DELAY: %w", err)
		}
		cfg.OneBotRetryDelay = d
	}

	cfg.BotID = get("BOT_QQ")
	if cfg.BotID == "0" {
		cfg.BotID = ""
	}
	cfg.AuthorizedIDs = splitList(get("AUTHORIZED_QQS"))
	if v, ok := lookup("COMMAND_PREFIX"); ok && strings.TrimSpace(v) != "" {
		cfg.CommandPrefix = strings.TrimSpace(v)
	}

	cfg.RewriteAPIBase = strings.TrimRight(get("REWRITE_API_BASE"), "/")
	cfg.RewriteAPIKey = get("REWRITE_API_KEY")
	if v := get("REWRITE_MODEL"); v != "" {
		cfg.RewriteModel = v
	}
	if v := get("REWRITE_TIMEOUT"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("REWRITE_TIMEOUT: %w", err)
		}
		cfg.RewriteTimeout = d
	}

	cfg.MessagesDir = get("MESSAGES_DIR")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	if c.BotID == "" {
		return errors.New("BOT_QQ is required")
	}
	if _, err := strconv.ParseInt(c.BotID, 10, 64); err != nil {
		return fmt.Errorf("BOT_QQ must be numeric: %q", c.BotID)
	}
	if len(c.AuthorizedIDs) == 0 {
		return errors.New("AUTHORIZED_QQS is required")
	}
	if len([]rune(c.CommandPrefix)) != 1 {
		return fmt.Errorf("COMMAND_PREFIX must be a single character: %q", c.CommandPrefix)
	}
	if c.OneBotRetryDelay <= 0 {
		return errors.New("ONEBOT_RETRY_DELAY must be positive")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseDuration accepts Go durations ("1500ms") or bare seconds ("10").
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("must be positive: %q", v)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive: %q", v)
	}
	return d, nil
}
