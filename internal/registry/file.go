package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"chainwatch/internal/metrics"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"gopkg.in/yaml.v3"
)

// File is the on-disk registry format.
type File struct {
	Protocols []ProtocolSpec `yaml:"protocols"`
}

// ProtocolSpec is one protocol entry in the registry file or in Redis.
type ProtocolSpec struct {
	Name      string     `yaml:"name" json:"name"`
	Label     string     `yaml:"label" json:"label,omitempty"`
	Addresses []string   `yaml:"addresses" json:"addresses"`
	Tags      []string   `yaml:"tags" json:"tags,omitempty"`
	Selectors []string   `yaml:"selectors" json:"selectors,omitempty"`
	RiskHints []RiskHint `yaml:"risk_hints" json:"risk_hints,omitempty"`
	// ABI is an inline JSON ABI; ABIFile is a path to one.
	ABI     string `yaml:"abi" json:"abi,omitempty"`
	ABIFile string `yaml:"abi_file" json:"abi_file,omitempty"`

	Discovered bool `yaml:"discovered" json:"discovered,omitempty"`
	Approved   bool `yaml:"approved" json:"approved,omitempty"`
}

var selectorPattern = regexp.MustCompile(`^0x([0-9a-f]{8}|[0-9a-f]{64})$`)

func normalizeSelector(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !selectorPattern.MatchString(s) {
		return "", fmt.Errorf("invalid selector %q", s)
	}
	return s, nil
}

func (s ProtocolSpec) metadata() (ProtocolMetadata, error) {
	md := ProtocolMetadata{
		Known:      true,
		Name:       s.Name,
		Label:      s.Label,
		Discovered: s.Discovered,
		Approved:   s.Approved,
	}

	for _, t := range s.Tags {
		md.Tags = append(md.Tags, strings.ToLower(t))
	}
	slices.Sort(md.Tags)
	md.Tags = slices.Compact(md.Tags)

	for _, sel := range s.Selectors {
		norm, err := normalizeSelector(sel)
		if err != nil {
			return ProtocolMetadata{}, err
		}
		md.Selectors = append(md.Selectors, norm)
	}

	for _, h := range s.RiskHints {
		norm, err := normalizeSelector(h.Selector)
		if err != nil {
			return ProtocolMetadata{}, fmt.Errorf("risk hint: %w", err)
		}
		md.RiskHints = append(md.RiskHints, RiskHint{Selector: norm, Note: h.Note})
	}

	return md, nil
}

func (s ProtocolSpec) parseABI(baseDir string) (abi.ABI, bool, error) {
	raw := s.ABI
	if raw == "" && s.ABIFile != "" {
		path := s.ABIFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return abi.ABI{}, false, fmt.Errorf("failed to read abi file: %w", err)
		}
		raw = string(data)
	}
	if raw == "" {
		return abi.ABI{}, false, nil
	}

	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		return abi.ABI{}, false, fmt.Errorf("failed to parse abi: %w", err)
	}
	return parsed, true, nil
}

// ParseFile decodes registry YAML.
func ParseFile(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	return &f, nil
}

// ReadFile reads and decodes the registry file at path.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	return ParseFile(data)
}

// LoadFile reads the registry file at path and builds a snapshot from it.
func LoadFile(path string) (*Snapshot, error) {
	f, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return BuildSnapshot(f.Protocols, filepath.Dir(path), path)
}

// Watch reloads the registry file whenever it is modified after the current
// snapshot was loaded. A file that fails to load is logged and the previous
// snapshot stays active.
func (r *Registry) Watch(ctx context.Context, path string, interval time.Duration) error {
	lastMod := r.Snapshot().LoadedAt

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				r.logger.Warn("registry file unavailable", "path", path, "error", err)
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			lastMod = info.ModTime()

			snap, err := LoadFile(path)
			if err != nil {
				metrics.RegistryReloadErrors.WithLabelValues("file").Inc()
				r.logger.Error("registry reload failed, keeping previous snapshot", "path", path, "error", err)
				continue
			}
			r.Swap(snap)
		}
	}
}
