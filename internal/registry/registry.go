// Package registry maps contract addresses to protocol metadata and supplies
// the event ABIs used to decode their logs.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chainwatch/internal/chainlog"
	"chainwatch/internal/metrics"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ErrRegistryUnavailable means no usable registry snapshot can be obtained.
// Callers treat it as fatal.
var ErrRegistryUnavailable = errors.New("registry: unavailable")

// Lookup resolves a contract address to protocol metadata. A miss returns
// false; it is never an error.
type Lookup interface {
	Resolve(addr common.Address) (ProtocolMetadata, bool)
}

// Snapshot is an immutable registry version.
type Snapshot struct {
	LoadedAt  time.Time
	Source    string
	protocols map[common.Address]ProtocolMetadata
	catalog   *chainlog.Catalog
	names     []string
}

// EmptySnapshot holds no protocols and only the built-in events.
func EmptySnapshot() *Snapshot {
	return &Snapshot{
		protocols: map[common.Address]ProtocolMetadata{},
		catalog:   chainlog.DefaultCatalog(),
	}
}

// Len returns the number of registered addresses.
func (s *Snapshot) Len() int {
	return len(s.protocols)
}

// Protocols returns protocol names in registration order.
func (s *Snapshot) Protocols() []string {
	return append([]string(nil), s.names...)
}

// BuildSnapshot validates specs and assembles a snapshot. ABI files are
// resolved relative to baseDir.
func BuildSnapshot(specs []ProtocolSpec, baseDir, source string) (*Snapshot, error) {
	snap := EmptySnapshot()
	snap.Source = source
	snap.LoadedAt = time.Now()

	for i, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("protocol %d: name is required", i)
		}
		if len(spec.Addresses) == 0 {
			return nil, fmt.Errorf("protocol %q: at least one address is required", spec.Name)
		}

		md, err := spec.metadata()
		if err != nil {
			return nil, fmt.Errorf("protocol %q: %w", spec.Name, err)
		}

		for _, a := range spec.Addresses {
			if !common.IsHexAddress(a) {
				return nil, fmt.Errorf("protocol %q: invalid address %q", spec.Name, a)
			}
			addr := common.HexToAddress(a)
			if prev, dup := snap.protocols[addr]; dup {
				return nil, fmt.Errorf("protocol %q: address %s already registered to %q", spec.Name, addr.Hex(), prev.Name)
			}
			snap.protocols[addr] = md
		}

		contract, ok, err := spec.parseABI(baseDir)
		if err != nil {
			return nil, fmt.Errorf("protocol %q: %w", spec.Name, err)
		}
		if ok {
			snap.catalog.AddABI(contract)
		}
		snap.names = append(snap.names, spec.Name)
	}

	return snap, nil
}

// Option configures a Registry.
type Option func(*Registry)

// WithTrustDiscovered makes auto-discovered protocols visible to rules before approval.
func WithTrustDiscovered(trust bool) Option {
	return func(r *Registry) { r.trustDiscovered = trust }
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// Registry serves lookups from the current snapshot. Swapping snapshots is
// atomic; a reader sees either the old or the new version, never a mix.
type Registry struct {
	current         atomic.Pointer[Snapshot]
	loaded          atomic.Bool
	ready           chan struct{}
	readyOnce       sync.Once
	trustDiscovered bool
	logger          *slog.Logger
}

// New creates a registry holding an empty snapshot.
func New(opts ...Option) *Registry {
	r := &Registry{logger: slog.Default(), ready: make(chan struct{})}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(EmptySnapshot())
	return r
}

// FromSpecs builds a registry with one snapshot made from specs.
func FromSpecs(specs []ProtocolSpec, opts ...Option) (*Registry, error) {
	snap, err := BuildSnapshot(specs, "", "inline")
	if err != nil {
		return nil, err
	}
	r := New(opts...)
	r.Swap(snap)
	return r, nil
}

// Swap installs a new snapshot.
func (r *Registry) Swap(snap *Snapshot) {
	r.current.Store(snap)
	r.loaded.Store(true)
	r.readyOnce.Do(func() { close(r.ready) })
	metrics.RegistryProtocols.Set(float64(len(snap.names)))
	r.logger.Info("registry snapshot installed",
		"source", snap.Source,
		"addresses", snap.Len(),
		"protocols", strings.Join(snap.names, ","))
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Loaded reports whether a snapshot has ever been installed.
func (r *Registry) Loaded() bool {
	return r.loaded.Load()
}

// WaitLoaded blocks until the first snapshot is installed or ctx is done.
func (r *Registry) WaitLoaded(ctx context.Context) error {
	select {
	case <-r.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrRegistryUnavailable, ctx.Err())
	}
}

// Resolve implements Lookup. The returned metadata is a private copy.
func (r *Registry) Resolve(addr common.Address) (ProtocolMetadata, bool) {
	md, ok := r.current.Load().protocols[addr]
	if !ok {
		return ProtocolMetadata{}, false
	}
	if md.Discovered && !md.Approved && !r.trustDiscovered {
		return ProtocolMetadata{Name: md.Name, Discovered: true, PendingApproval: true}, false
	}
	return md.Clone(), true
}

// Events implements chainlog.EventCatalog against the current snapshot.
func (r *Registry) Events(sig common.Hash) []abi.Event {
	return r.current.Load().catalog.Events(sig)
}

// Addresses returns every registered address in ascending order.
func (r *Registry) Addresses() []common.Address {
	snap := r.current.Load()
	out := make([]common.Address, 0, len(snap.protocols))
	for addr := range snap.protocols {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}
