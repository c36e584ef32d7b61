package secrets

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnvProvider(t *testing.T) {
	ctx := context.Background()
	var p EnvProvider

	t.Setenv("CHAINWATCH_TEST_SECRET", "prefixed")
	t.Setenv("ALCHEMY_KEY", "bare")

	if v, err := p.Lookup(ctx, "test_secret"); err != nil || v != "prefixed" {
		t.Errorf("prefixed lookup = %q, %v", v, err)
	}
	if v, err := p.Lookup(ctx, "ALCHEMY_KEY"); err != nil || v != "bare" {
		t.Errorf("bare lookup = %q, %v", v, err)
	}
	if _, err := p.Lookup(ctx, "NONEXISTENT_SECRET"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("missing lookup error = %v", err)
	}
}

func TestFileProvider(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p := FileProvider{Dir: dir}

	if err := os.WriteFile(filepath.Join(dir, "kafka_sasl_password"), []byte("s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if v, err := p.Lookup(ctx, "kafka/sasl.password"); err != nil || v != "s3cret" {
		t.Errorf("mapped lookup = %q, %v", v, err)
	}

	abs := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(abs, []byte("tok\r\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if v, err := p.Lookup(ctx, abs); err != nil || v != "tok" {
		t.Errorf("absolute lookup = %q, %v", v, err)
	}

	if _, err := p.Lookup(ctx, "nope"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("missing lookup error = %v", err)
	}
	if err := p.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
	if err := (FileProvider{Dir: filepath.Join(dir, "missing")}).HealthCheck(ctx); err == nil {
		t.Error("HealthCheck on a missing directory succeeded")
	}
}

func TestKeyMapping(t *testing.T) {
	for in, want := range map[string]string{
		"clickhouse_password": "CHAINWATCH_CLICKHOUSE_PASSWORD",
		"CHAINWATCH_RPC_URL":  "CHAINWATCH_RPC_URL",
		"kafka.sasl-password": "CHAINWATCH_KAFKA_SASL_PASSWORD",
	} {
		if got := envVar(in); got != want {
			t.Errorf("envVar(%q) = %q, want %q", in, got, want)
		}
	}
	for in, want := range map[string]string{
		"clickhouse_password": "clickhouse_password",
		"kafka/sasl.password": "kafka_sasl_password",
		"S3-Secret":           "s3_secret",
	} {
		if got := fileName(in); got != want {
			t.Errorf("fileName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseSecretRef(t *testing.T) {
	tests := []struct {
		ref, scheme, key string
		ok               bool
	}{
		{"plain-value", "", "plain-value", false},
		{"env:RPC_URL", "env", "RPC_URL", true},
		{"file:/run/secrets/token", "file", "/run/secrets/token", true},
		{"https://mainnet.example/v2/key", "", "https://mainnet.example/v2/key", false},
		{"redis://localhost:6379/0", "", "redis://localhost:6379/0", false},
		{"env:", "", "env:", false},
	}
	for _, tt := range tests {
		scheme, key, ok := ParseSecretRef(tt.ref)
		if scheme != tt.scheme || key != tt.key || ok != tt.ok {
			t.Errorf("ParseSecretRef(%q) = (%q, %q, %v)", tt.ref, scheme, key, ok)
		}
	}
}

func TestManagerResolve(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(&Config{EnableEnv: true, EnableFile: true, FileDir: dir, CacheTTL: time.Minute, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	t.Setenv("CHAINWATCH_RPC_URL", "https://rpc.example")
	if err := os.WriteFile(filepath.Join(dir, "ch_password"), []byte("pw"), 0o600); err != nil {
		t.Fatal(err)
	}

	for ref, want := range map[string]string{
		"http://localhost:8545": "http://localhost:8545",
		"env:rpc_url":           "https://rpc.example",
		"file:ch_password":      "pw",
	} {
		if got, err := m.ResolveSecret(ctx, ref); err != nil || got != want {
			t.Errorf("ResolveSecret(%q) = %q, %v", ref, got, err)
		}
	}
	if _, err := m.ResolveSecret(ctx, "env:DOES_NOT_EXIST_ANYWHERE"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("missing reference error = %v", err)
	}
	if err := m.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}

func TestManagerCache(t *testing.T) {
	m, err := NewManager(&Config{EnableEnv: true, CacheTTL: time.Minute, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	t.Setenv("CHAINWATCH_CACHED", "v1")
	if got, _ := m.Get(ctx, "env", "cached"); got != "v1" {
		t.Fatalf("got %q", got)
	}
	os.Setenv("CHAINWATCH_CACHED", "v2")
	if got, _ := m.Get(ctx, "env", "cached"); got != "v1" {
		t.Errorf("within TTL got %q, want v1", got)
	}
	now = now.Add(2 * time.Minute)
	if got, _ := m.Get(ctx, "env", "cached"); got != "v2" {
		t.Errorf("after TTL got %q, want v2", got)
	}
	os.Setenv("CHAINWATCH_CACHED", "v3")
	m.ClearCache()
	if got, _ := m.Get(ctx, "env", "cached"); got != "v3" {
		t.Errorf("after ClearCache got %q, want v3", got)
	}
}

func TestManagerNoProvider(t *testing.T) {
	m, err := NewManager(&Config{EnableEnv: true, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ResolveSecret(context.Background(), "file:token"); !errors.Is(err, ErrNoProvider) {
		t.Errorf("disabled provider error = %v", err)
	}
	if _, err := NewManager(&Config{}); !errors.Is(err, ErrNoProvider) {
		t.Errorf("empty config error = %v", err)
	}
}
