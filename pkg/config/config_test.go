package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/platinummonkey/consortium/pkg/auth"
	"github.com/platinummonkey/consortium/pkg/workflow"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "TEST_PORTAL_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "TEST_PORTAL_VAR_NOT_SET",
			defaultValue: "default",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvHelpers covers the typed helpers and their fallbacks
func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_PORTAL_BOOL", "1")
	t.Setenv("TEST_PORTAL_INT", "42")
	t.Setenv("TEST_PORTAL_BAD_INT", "forty-two")
	t.Setenv("TEST_PORTAL_FLOAT", "0.25")
	t.Setenv("TEST_PORTAL_DURATION", "90s")
	t.Setenv("TEST_PORTAL_BAD_DURATION", "soon")

	if !getEnvBool("TEST_PORTAL_BOOL", false) {
		t.Error("getEnvBool() should accept 1")
	}
	if getEnvInt("TEST_PORTAL_INT", 0) != 42 {
		t.Error("getEnvInt() should parse 42")
	}
	if getEnvInt("TEST_PORTAL_BAD_INT", 7) != 7 {
		t.Error("getEnvInt() should fall back on parse errors")
	}
	if getEnvFloat("TEST_PORTAL_FLOAT", 1) != 0.25 {
		t.Error("getEnvFloat() should parse 0.25")
	}
	if getEnvDuration("TEST_PORTAL_DURATION", 0) != 90*time.Second {
		t.Error("getEnvDuration() should parse 90s")
	}
	if getEnvDuration("TEST_PORTAL_BAD_DURATION", time.Minute) != time.Minute {
		t.Error("getEnvDuration() should fall back on parse errors")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, "filesystem", cfg.Blob.Type)
	assert.Equal(t, "log", cfg.Email.Type)
	assert.Equal(t, workflow.TerminalOnce, cfg.Workflow.DecisionMode)
	assert.Equal(t, 10*time.Minute, cfg.Workflow.OTPTTL)
	assert.Equal(t, "policy.yaml", cfg.PolicyPath)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("PORTAL_DECISION_MODE", "Revisable")
	t.Setenv("PORTAL_STORE_TYPE", "redis")
	t.Setenv("PORTAL_REDIS_URL", "redis://cache:6379/2")
	t.Setenv("PORTAL_BLOB_TYPE", "s3")
	t.Setenv("PORTAL_S3_BUCKET", "uploads")
	t.Setenv("PORTAL_S3_USE_PATH_STYLE", "true")
	t.Setenv("PORTAL_EMAIL_TYPE", "smtp")
	t.Setenv("PORTAL_SMTP_HOST", "mail.example.org")
	t.Setenv("PORTAL_EMAIL_FROM", "portal@example.org")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, workflow.Revisable, cfg.Workflow.DecisionMode)
	assert.Equal(t, "redis://cache:6379/2", cfg.Store.RedisURL)
	assert.Equal(t, "uploads", cfg.Blob.S3.Bucket)
	assert.True(t, cfg.Blob.S3.UsePathStyle)
	assert.Equal(t, 587, cfg.Email.SMTPPort)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown decision mode", map[string]string{"PORTAL_DECISION_MODE": "sometimes"}},
		{"same ports", map[string]string{"PORTAL_PORT": "9090"}},
		{"unknown store", map[string]string{"PORTAL_STORE_TYPE": "mongo"}},
		{"redis without url", map[string]string{"PORTAL_STORE_TYPE": "redis"}},
		{"s3 without bucket", map[string]string{"PORTAL_BLOB_TYPE": "s3"}},
		{"resend without key", map[string]string{"PORTAL_EMAIL_TYPE": "resend", "PORTAL_EMAIL_FROM": "a@b.c"}},
		{"smtp without host", map[string]string{"PORTAL_EMAIL_TYPE": "smtp", "PORTAL_EMAIL_FROM": "a@b.c"}},
		{"bad log level", map[string]string{"PORTAL_LOG_LEVEL": "loud"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TEST_PORTAL_DOTENV=from-file\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("TEST_PORTAL_DOTENV") })

	LoadDotEnv(logrus.New(), path)
	assert.Equal(t, "from-file", os.Getenv("TEST_PORTAL_DOTENV"))

	// missing files are not fatal
	LoadDotEnv(logrus.New(), filepath.Join(t.TempDir(), "missing.env"))
}

const testPolicy = `
version: v1
restricted_colleges:
  - Acharya Institute
  - Sambhram
bootstrap:
  - username: superadmin
    role: superadmin
    email: admin@example.org
    password_env: TEST_PORTAL_ROOT_PASSWORD
  - username: publisher1
    role: publisher
    permissions: [manage_news, manage_news, view_resources]
    password_hash: $2a$04$abcdefghijklmnopqrstuuG9Uq6zH0p0v3mE1fM0WkqKqKqKqKqKq
`

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadPolicy(t *testing.T) {
	t.Setenv("TEST_PORTAL_ROOT_PASSWORD", "root-secret")

	p, err := LoadPolicy(writePolicy(t, testPolicy))
	require.NoError(t, err)

	restricted := p.Restricted()
	assert.True(t, restricted.IsRestricted("ACHARYA INSTITUTE OF TECHNOLOGY"))
	assert.False(t, restricted.IsRestricted("RV College"))

	hasher := auth.NewHasher(bcrypt.MinCost)
	seeds, err := p.Seeds(hasher)
	require.NoError(t, err)
	require.Len(t, seeds, 2)

	assert.Equal(t, auth.RoleSuperAdmin, seeds[0].Principal.Role)
	assert.Equal(t, "bootstrap-superadmin", seeds[0].Principal.ID)
	assert.True(t, hasher.Verify(seeds[0].PasswordHash, "root-secret"))

	assert.Equal(t, []string{"manage_news", "view_resources"}, seeds[1].Principal.Permissions)
	assert.Equal(t, "bootstrap", seeds[1].Principal.CreatedBy)
}

func TestLoadPolicy_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not yaml", "bootstrap: [unterminated"},
		{"no superadmin", "bootstrap:\n  - {username: p, role: publisher, password_hash: x}\n"},
		{"two superadmins", "bootstrap:\n  - {username: a, role: superadmin, password_hash: x}\n  - {username: b, role: superadmin, password_hash: y}\n"},
		{"librarian seed", "bootstrap:\n  - {username: a, role: superadmin, password_hash: x}\n  - {username: l, role: librarian, password_hash: y}\n"},
		{"duplicate username", "bootstrap:\n  - {username: a, role: superadmin, password_hash: x}\n  - {username: a, role: admin, password_hash: y}\n"},
		{"both credentials", "bootstrap:\n  - {username: a, role: superadmin, password_hash: x, password_env: Y}\n"},
		{"no credential", "bootstrap:\n  - {username: a, role: superadmin}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadPolicy(writePolicy(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPolicySeeds_MissingPasswordEnv(t *testing.T) {
	p, err := LoadPolicy(writePolicy(t, testPolicy))
	require.NoError(t, err)
	t.Setenv("TEST_PORTAL_ROOT_PASSWORD", "")

	_, err = p.Seeds(auth.NewHasher(bcrypt.MinCost))
	assert.Error(t, err)
}
