package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nerrad567/fleetlink-core/internal/alert"
)

const testSecret = "test-secret-for-development-only-0123456789"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func validConfig(t *testing.T) string {
	t.Helper()
	return writeConfig(t, `
database:
  path: "`+filepath.Join(t.TempDir(), "fleet.db")+`"

mqtt:
  broker:
    host: "127.0.0.1"
    port: 1883
    client_id: "core-test"

logging:
  level: error
  format: text
  output: stderr

security:
  jwt:
    secret: "`+testSecret+`"
`)
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, []string{"--config", "/nonexistent/path/config.yaml"}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("run() error = %v, want a config loading error", err)
	}
}

// TestRun_MissingDatabasePath verifies run fails when database path is empty.
func TestRun_MissingDatabasePath(t *testing.T) {
	path := writeConfig(t, `
database:
  path: ""
security:
  jwt:
    secret: "`+testSecret+`"
`)

	err := run(context.Background(), []string{"-c", path}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("run() should fail with empty database path")
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"--version"}, &out); err != nil {
		t.Fatalf("run(--version) error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "fleetlink "+version) {
		t.Errorf("output = %q", out.String())
	}
}

func TestRun_Help(t *testing.T) {
	if err := run(context.Background(), []string{"--help"}, &bytes.Buffer{}); err != nil {
		t.Errorf("run(--help) error = %v, want nil", err)
	}
}

func TestRun_IssueToken(t *testing.T) {
	var out bytes.Buffer
	args := []string{"--config", validConfig(t), "--issue-token", "ops-1", "--token-ttl", "1h"}
	if err := run(context.Background(), args, &out); err != nil {
		t.Fatalf("run(--issue-token) error = %v", err)
	}

	raw := strings.TrimSpace(out.String())
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(testSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.Subject != "ops-1" {
		t.Errorf("subject = %q, want ops-1", claims.Subject)
	}
	if claims.Issuer != "fleetlink-operator" {
		t.Errorf("issuer = %q, want the configured default", claims.Issuer)
	}
	if ttl := claims.ExpiresAt.Sub(claims.IssuedAt.Time); ttl != time.Hour {
		t.Errorf("ttl = %v, want 1h", ttl)
	}
}

func TestParseFlags(t *testing.T) {
	t.Setenv("FLEETLINK_CONFIG", "/etc/fleetlink/env.yaml")

	tests := []struct {
		name       string
		args       []string
		wantConfig string
		wantTTL    time.Duration
		wantErr    bool
	}{
		{"defaults", nil, "/etc/fleetlink/env.yaml", defaultTokenTTL, false},
		{"long config flag", []string{"--config", "a.yaml"}, "a.yaml", defaultTokenTTL, false},
		{"short config flag", []string{"-c", "b.yaml"}, "b.yaml", defaultTokenTTL, false},
		{"token ttl", []string{"--token-ttl", "15m"}, "/etc/fleetlink/env.yaml", 15 * time.Minute, false},
		{"zero ttl", []string{"--token-ttl", "0s"}, "", 0, true},
		{"unexpected argument", []string{"serve"}, "", 0, true},
		{"unknown flag", []string{"--bogus"}, "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := parseFlags(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if opts.configPath != tt.wantConfig {
				t.Errorf("configPath = %q, want %q", opts.configPath, tt.wantConfig)
			}
			if opts.tokenTTL != tt.wantTTL {
				t.Errorf("tokenTTL = %v, want %v", opts.tokenTTL, tt.wantTTL)
			}
		})
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("FLEETLINK_CONFIG", "")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv("FLEETLINK_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

type fakeAlertHistory struct {
	events []alert.Event
	err    error
}

func (f *fakeAlertHistory) Recent(_ context.Context, limit int) ([]alert.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.events) {
		return f.events[:limit], nil
	}
	return f.events, nil
}

func TestRestoreAlertLog(t *testing.T) {
	// Newest first, as the repository returns them.
	repo := &fakeAlertHistory{events: []alert.Event{{ID: "c"}, {ID: "b"}, {ID: "a"}}}

	l, err := restoreAlertLog(context.Background(), repo, 2)
	if err != nil {
		t.Fatalf("restoreAlertLog() error = %v", err)
	}
	got := l.Recent(0)
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Errorf("Recent() = %+v, want [c b]", got)
	}

	// The log keeps accepting new events after the restored ones.
	l.Add(alert.Event{ID: "d"})
	if got := l.Recent(1); got[0].ID != "d" {
		t.Errorf("newest after Add = %q, want d", got[0].ID)
	}
}

func TestRestoreAlertLog_Error(t *testing.T) {
	boom := errors.New("boom")
	if _, err := restoreAlertLog(context.Background(), &fakeAlertHistory{err: boom}, 5); !errors.Is(err, boom) {
		t.Errorf("restoreAlertLog() error = %v, want %v", err, boom)
	}
}
