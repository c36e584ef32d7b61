package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const envPrefix = "CHAINWATCH_"

var keyReplacer = strings.NewReplacer(".", "_", "-", "_", "/", "_")

// EnvProvider reads CHAINWATCH_<KEY> and falls back to KEY as written.
type EnvProvider struct{}

func (EnvProvider) Scheme() string { return "env" }

func (EnvProvider) Lookup(_ context.Context, key string) (string, error) {
	for _, name := range []string{envVar(key), key} {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v, nil
		}
	}
	return "", ErrSecretNotFound
}

func (EnvProvider) HealthCheck(context.Context) error { return nil }

// envVar maps "kafka.sasl-password" to CHAINWATCH_KAFKA_SASL_PASSWORD.
func envVar(key string) string {
	name := strings.ToUpper(keyReplacer.Replace(key))
	if strings.HasPrefix(name, envPrefix) {
		return name
	}
	return envPrefix + name
}

// FileProvider reads one secret per file, as mounted by Docker or
// Kubernetes. Absolute keys are read directly.
type FileProvider struct {
	Dir string
}

func (FileProvider) Scheme() string { return "file" }

func (p FileProvider) Lookup(_ context.Context, key string) (string, error) {
	path := key
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.Dir, fileName(key))
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", ErrSecretNotFound
	case err != nil:
		return "", fmt.Errorf("read secret file: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

func (p FileProvider) HealthCheck(context.Context) error {
	info, err := os.Stat(p.Dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", p.Dir)
	}
	return nil
}

// fileName maps "kafka/sasl.password" to kafka_sasl_password.
func fileName(key string) string {
	return strings.ToLower(keyReplacer.Replace(key))
}
