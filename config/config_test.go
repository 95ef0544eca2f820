package config

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	cmd := &cobra.Command{Use: "espwatch"}
	require.NoError(t, RegisterFlags(cmd))
	require.NoError(t, cmd.ParseFlags(args))
	return LoadConfig(cmd)
}

func TestLoadConfigDefaults(t *testing.T) {
	stateDir := t.TempDir()
	cfg, err := load(t, "--state-dir", stateDir)
	require.NoError(t, err)

	assert.Equal(t, 993, cfg.IMAPPort)
	assert.True(t, cfg.UseTLS)
	assert.Equal(t, "INBOX", cfg.Mailbox)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.AuthTimeout)
	assert.Equal(t, ":4000", cfg.ListenAddr())
	assert.Equal(t, filepath.Join(stateDir, "espwatch.db"), cfg.DatabaseURL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Empty(t, cfg.CORSOrigins)
	assert.True(t, cfg.TokenGenerated)
	assert.Regexp(t, regexp.MustCompile(`^EMAIL-ANALYZER-[0-9A-Z]{8}$`), cfg.SubjectToken)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("IMAP_HOST", "imap.example.org")
	t.Setenv("IMAP_PORT", "143")
	t.Setenv("IMAP_USER", "watcher@example.org")
	t.Setenv("IMAP_PASSWORD", "s3cret")
	t.Setenv("IMAP_TLS", "false")
	t.Setenv("IMAP_POLL_INTERVAL", "25")
	t.Setenv("TEST_SUBJECT_TOKEN", "EMAIL-ANALYZER-FIXED123")
	t.Setenv("MONGODB_URI", "memory")
	t.Setenv("PORT", "8081")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("LOG_LEVEL", "WARNING")

	cfg, err := load(t, "--state-dir", t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "imap.example.org", cfg.IMAPHost)
	assert.Equal(t, 143, cfg.IMAPPort)
	assert.False(t, cfg.UseTLS)
	assert.Equal(t, 25*time.Second, cfg.PollInterval)
	assert.Equal(t, "EMAIL-ANALYZER-FIXED123", cfg.SubjectToken)
	assert.False(t, cfg.TokenGenerated)
	assert.Equal(t, "memory", cfg.DatabaseURL)
	assert.Equal(t, ":8081", cfg.ListenAddr())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, "warn", cfg.LogLevel)
	require.NoError(t, cfg.ValidateIMAP())

	creds := cfg.Credentials()
	assert.Equal(t, "watcher@example.org", creds.Username)
	assert.Equal(t, "s3cret", creds.Password)
	assert.Equal(t, 30*time.Second, creds.Timeout)
}

func TestDatabaseURLPrefersPrimaryVariable(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/espwatch")
	t.Setenv("MONGODB_URI", "memory")

	cfg, err := load(t, "--state-dir", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/espwatch", cfg.DatabaseURL)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("IMAP_HOST", "env.example.org")
	t.Setenv("PORT", "9000")

	cfg, err := load(t, "--state-dir", t.TempDir(), "--imap-host", "flag.example.org", "--poll-interval", "1m")
	require.NoError(t, err)
	assert.Equal(t, "flag.example.org", cfg.IMAPHost)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, time.Minute, cfg.PollInterval)
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "espwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("imap-host: file.example.org\nmailbox: Probes\nport: 5000\n"), 0o600))
	t.Setenv("PORT", "6000")

	cfg, err := load(t, "--state-dir", dir, "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "file.example.org", cfg.IMAPHost)
	assert.Equal(t, "Probes", cfg.Mailbox)
	assert.Equal(t, 6000, cfg.Port)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := load(t, "--state-dir", t.TempDir(), "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestValidateConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"imap port", []string{"--imap-port", "0"}, "--imap-port"},
		{"http port", []string{"--port", "70000"}, "--port"},
		{"zero interval", []string{"--poll-interval", "0"}, "--poll-interval"},
		{"bad interval", []string{"--poll-interval", "soon"}, "poll interval"},
		{"log level", []string{"--log-level", "trace"}, "--log-level"},
		{"log format", []string{"--log-format", "xml"}, "--log-format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--state-dir", t.TempDir()}, tt.args...)
			_, err := load(t, args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateIMAP(t *testing.T) {
	cfg := Config{IMAPHost: "imap.example.org", IMAPUser: "watcher"}
	assert.ErrorContains(t, cfg.ValidateIMAP(), "password")

	cfg.IMAPPass = "x"
	assert.NoError(t, cfg.ValidateIMAP())

	cfg.IMAPHost = ""
	assert.ErrorContains(t, cfg.ValidateIMAP(), "--imap-host")
}

func TestGenerateTokenIsRandom(t *testing.T) {
	assert.NotEqual(t, GenerateToken(), GenerateToken())
}
