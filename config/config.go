package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhcgn/espwatch/model"
)

// TokenPrefix starts every generated subject token.
const TokenPrefix = "EMAIL-ANALYZER-"

const (
	defaultPollInterval = 10 * time.Second
	defaultAuthTimeout  = 30 * time.Second
	defaultPort         = 4000
)

// envNames maps a flag to the environment variables that may set it. The
// first name wins when several are present.
var envNames = map[string][]string{
	"imap-host":            {"IMAP_HOST"},
	"imap-port":            {"IMAP_PORT"},
	"imap-user":            {"IMAP_USER"},
	"imap-pass":            {"IMAP_PASSWORD", "IMAP_PASS"},
	"use-tls":              {"IMAP_TLS"},
	"insecure-skip-verify": {"IMAP_INSECURE_SKIP_VERIFY"},
	"mailbox":              {"IMAP_MAILBOX"},
	"poll-interval":        {"IMAP_POLL_INTERVAL"},
	"auth-timeout":         {"IMAP_AUTH_TIMEOUT"},
	"subject-token":        {"TEST_SUBJECT_TOKEN"},
	"database-url":         {"DATABASE_URL", "MONGODB_URI"},
	"port":                 {"PORT"},
	"cors-origins":         {"CORS_ORIGINS", "CORS_ORIGIN"},
	"state-dir":            {"STATE_DIR"},
	"log-level":            {"LOG_LEVEL"},
	"log-format":           {"LOG_FORMAT"},
	"log-dir":              {"LOG_DIR"},
}

// Config captures every setting of the service after flags, environment and
// the optional config file have been merged.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	PollInterval       time.Duration
	AuthTimeout        time.Duration

	SubjectToken string
	// TokenGenerated is set when SubjectToken was not configured.
	TokenGenerated bool

	DatabaseURL string
	Port        int
	CORSOrigins []string

	StateDir  string
	LogLevel  string
	LogFormat string
	LogDir    string
}

// Credentials returns the mailbox credentials handed to every session.
func (c Config) Credentials() model.Credentials {
	return model.Credentials{
		Host:               c.IMAPHost,
		Port:               c.IMAPPort,
		Username:           c.IMAPUser,
		Password:           c.IMAPPass,
		UseTLS:             c.UseTLS,
		InsecureSkipVerify: c.InsecureSkipVerify,
		Timeout:            c.AuthTimeout,
	}
}

// ListenAddr is the HTTP listen address derived from Port.
func (c Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

// RegisterFlags attaches all CLI flags to the provided command. They are
// persistent so every subcommand shares them.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Optional YAML file with settings keyed by flag name")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username, also reported as the test address")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASSWORD env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("mailbox", "INBOX", "Mailbox to watch")
	flags.String("poll-interval", defaultPollInterval.String(), "Delay between polling cycles; a bare number means seconds")
	flags.Duration("auth-timeout", defaultAuthTimeout, "Dial and login timeout")
	flags.String("subject-token", "", "Subject token to watch for; generated when empty")
	flags.String("database-url", "", "Storage DSN: postgres://..., sqlite:<path>, a file path or memory (default <state-dir>/espwatch.db)")
	flags.Int("port", defaultPort, "HTTP listen port")
	flags.StringSlice("cors-origins", nil, "Allowed CORS origins (default any)")
	flags.String("state-dir", defaultStateDir, "Directory for the default database")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-format", "text", "Log format: text or json")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")

	return nil
}

// LoadConfig merges flags, environment and the optional config file into a
// validated Config. Explicit flags win over environment, environment over the
// file, the file over defaults.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	v, err := newViper(cmd)
	if err != nil {
		return Config{}, err
	}

	pollInterval, err := parseInterval(v.GetString("poll-interval"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid poll interval: %w", err)
	}

	stateDir := v.GetString("state-dir")
	if stateDir == "" {
		stateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}
	stateDir = filepath.Clean(stateDir)

	databaseURL := strings.TrimSpace(v.GetString("database-url"))
	if databaseURL == "" {
		databaseURL = filepath.Join(stateDir, "espwatch.db")
	}

	logLevel := strings.ToLower(v.GetString("log-level"))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		IMAPHost:           v.GetString("imap-host"),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           v.GetString("imap-user"),
		IMAPPass:           v.GetString("imap-pass"),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		Mailbox:            v.GetString("mailbox"),
		PollInterval:       pollInterval,
		AuthTimeout:        v.GetDuration("auth-timeout"),
		SubjectToken:       strings.TrimSpace(v.GetString("subject-token")),
		DatabaseURL:        databaseURL,
		Port:               v.GetInt("port"),
		CORSOrigins:        splitOrigins(v.GetStringSlice("cors-origins")),
		StateDir:           stateDir,
		LogLevel:           logLevel,
		LogFormat:          strings.ToLower(v.GetString("log-format")),
		LogDir:             v.GetString("log-dir"),
	}

	if cfg.SubjectToken == "" {
		cfg.SubjectToken = GenerateToken()
		cfg.TokenGenerated = true
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ValidateIMAP reports whether the mailbox settings needed by the watcher are
// present. Offline commands skip it.
func (c Config) ValidateIMAP() error {
	if c.IMAPHost == "" {
		return errors.New("--imap-host (or IMAP_HOST) is required")
	}
	if c.IMAPUser == "" {
		return errors.New("--imap-user (or IMAP_USER) is required")
	}
	if c.IMAPPass == "" {
		return errors.New("IMAP password must be provided via --imap-pass or IMAP_PASSWORD env var")
	}
	return nil
}

// GenerateToken returns TokenPrefix followed by eight random upper-case
// alphanumerics.
func GenerateToken() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return TokenPrefix + strings.ToUpper(id[:8])
}

func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	for key, names := range envNames {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	path := v.GetString("config")
	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if errors.As(err, &notFound) || errors.As(err, &pathErr) {
			return nil, fmt.Errorf("config file %s not found", path)
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return v, nil
}

// parseInterval accepts a Go duration or a bare number of seconds.
func parseInterval(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultPollInterval, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

func splitOrigins(values []string) []string {
	var out []string
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				out = append(out, origin)
			}
		}
	}
	return out
}

func validateConfig(cfg Config) error {
	if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
		return fmt.Errorf("--imap-port must be between 1 and 65535")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("--port must be between 1 and 65535")
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("--poll-interval must be positive, got %s", cfg.PollInterval)
	}
	if cfg.AuthTimeout <= 0 {
		return fmt.Errorf("--auth-timeout must be positive, got %s", cfg.AuthTimeout)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid --log-format: %s", cfg.LogFormat)
	}

	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".espwatch", "state"), nil
}
