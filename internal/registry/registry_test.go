package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chainwatch/internal/chainlog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc    = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	vault   = common.HexToAddress("0x3333333333333333333333333333333333333333")
	unknown = common.HexToAddress("0x9999999999999999999999999999999999999999")
)

const vaultABI = `[{"type":"event","name":"EmergencyWithdraw","inputs":[
  {"name":"to","type":"address","indexed":true},
  {"name":"amount","type":"uint256","indexed":false}]}]`

func testSpecs() []ProtocolSpec {
	return []ProtocolSpec{
		{
			Name:      "USDC",
			Label:     "Circle USDC",
			Addresses: []string{usdc.Hex()},
			Tags:      []string{"Stablecoin", "erc20", "stablecoin"},
			Selectors: []string{"0xA9059CBB"},
		},
		{
			Name:      "Vault",
			Addresses: []string{vault.Hex()},
			ABI:       vaultABI,
			RiskHints: []RiskHint{{Selector: "0x8456cb59", Note: "pause()"}},
		},
	}
}

func TestResolve(t *testing.T) {
	reg, err := FromSpecs(testSpecs())
	require.NoError(t, err)

	md, ok := reg.Resolve(usdc)
	require.True(t, ok)
	assert.True(t, md.Known)
	assert.Equal(t, "USDC", md.Name)
	assert.Equal(t, []string{"erc20", "stablecoin"}, md.Tags)
	assert.True(t, md.HasTag("STABLECOIN"))
	assert.True(t, md.HasSelector("0xa9059cbb"))

	md, ok = reg.Resolve(unknown)
	assert.False(t, ok)
	assert.False(t, md.Known)
}

func TestResolveReturnsCopy(t *testing.T) {
	reg, err := FromSpecs(testSpecs())
	require.NoError(t, err)

	md, _ := reg.Resolve(usdc)
	md.Tags[0] = "mutated"

	again, _ := reg.Resolve(usdc)
	assert.Equal(t, "erc20", again.Tags[0])
}

func TestDiscoveredProtocols(t *testing.T) {
	specs := []ProtocolSpec{
		{Name: "NewPool", Addresses: []string{vault.Hex()}, Discovered: true},
		{Name: "ApprovedPool", Addresses: []string{usdc.Hex()}, Discovered: true, Approved: true},
	}

	tests := []struct {
		name      string
		trust     bool
		addr      common.Address
		wantFound bool
		pending   bool
	}{
		{"unapproved withheld", false, vault, false, true},
		{"unapproved trusted", true, vault, true, false},
		{"approved visible", false, usdc, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := FromSpecs(specs, WithTrustDiscovered(tt.trust))
			require.NoError(t, err)

			md, ok := reg.Resolve(tt.addr)
			assert.Equal(t, tt.wantFound, ok)
			assert.Equal(t, tt.wantFound, md.Known)
			assert.Equal(t, tt.pending, md.PendingApproval)
		})
	}
}

func TestBuildSnapshotErrors(t *testing.T) {
	tests := []struct {
		name  string
		specs []ProtocolSpec
	}{
		{"missing name", []ProtocolSpec{{Addresses: []string{usdc.Hex()}}}},
		{"no addresses", []ProtocolSpec{{Name: "x"}}},
		{"bad address", []ProtocolSpec{{Name: "x", Addresses: []string{"0x12"}}}},
		{"duplicate address", []ProtocolSpec{
			{Name: "a", Addresses: []string{usdc.Hex()}},
			{Name: "b", Addresses: []string{usdc.Hex()}},
		}},
		{"bad selector", []ProtocolSpec{{Name: "x", Addresses: []string{usdc.Hex()}, Selectors: []string{"transfer"}}}},
		{"bad abi", []ProtocolSpec{{Name: "x", Addresses: []string{usdc.Hex()}, ABI: "{not json"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildSnapshot(tt.specs, "", "test")
			assert.Error(t, err)
		})
	}
}

func TestProtocolABIExtendsCatalog(t *testing.T) {
	reg, err := FromSpecs(testSpecs())
	require.NoError(t, err)

	sig := chainlog.EventID("EmergencyWithdraw(address,uint256)")
	evs := reg.Events(sig)
	require.Len(t, evs, 1)
	assert.Equal(t, "EmergencyWithdraw", evs[0].RawName)

	assert.Len(t, reg.Events(chainlog.TransferSig), 2, "built-in events stay available")
}

func TestSwapIsVisibleToNextResolve(t *testing.T) {
	reg := New()
	assert.False(t, reg.Loaded())

	_, ok := reg.Resolve(usdc)
	assert.False(t, ok)

	snap, err := BuildSnapshot(testSpecs(), "", "test")
	require.NoError(t, err)
	reg.Swap(snap)

	assert.True(t, reg.Loaded())
	_, ok = reg.Resolve(usdc)
	assert.True(t, ok)
	assert.Equal(t, []common.Address{usdc, vault}, reg.Addresses())
}

func TestConcurrentResolveDuringSwap(t *testing.T) {
	reg, err := FromSpecs(testSpecs())
	require.NoError(t, err)
	snap, err := BuildSnapshot(testSpecs(), "", "test")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				md, ok := reg.Resolve(usdc)
				assert.True(t, ok)
				assert.Equal(t, "USDC", md.Name)
			}
		}()
	}
	for i := 0; i < 50; i++ {
		reg.Swap(snap)
	}
	wg.Wait()
}

const registryYAML = `protocols:
  - name: USDC
    addresses: ["0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"]
    tags: [stablecoin]
  - name: Vault
    addresses: ["0x3333333333333333333333333333333333333333"]
    abi_file: vault.json
    risk_hints:
      - selector: "0x8456cb59"
        note: pause guardian
`

func writeRegistry(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vault.json"), []byte(vaultABI), 0o600))
	path := writeRegistry(t, dir, registryYAML)

	snap, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Len())
	assert.Equal(t, []string{"USDC", "Vault"}, snap.Protocols())

	reg := New()
	reg.Swap(snap)
	md, ok := reg.Resolve(vault)
	require.True(t, ok)
	hint, ok := md.RiskHint("0x8456CB59")
	require.True(t, ok)
	assert.Equal(t, "pause guardian", hint.Note)
}

func TestLoadFileMissingABI(t *testing.T) {
	path := writeRegistry(t, t.TempDir(), registryYAML)
	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeRegistry(t, dir, `protocols:
  - name: USDC
    addresses: ["0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"]
`)
	snap, err := LoadFile(path)
	require.NoError(t, err)
	reg := New()
	reg.Swap(snap)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- reg.Watch(ctx, path, 10*time.Millisecond) }()

	writeRegistry(t, dir, `protocols:
  - name: USDC
    addresses: ["0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"]
  - name: Vault
    addresses: ["0x3333333333333333333333333333333333333333"]
`)
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	require.Eventually(t, func() bool {
		_, ok := reg.Resolve(vault)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestWaitLoaded(t *testing.T) {
	r := New()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.WaitLoaded(ctx)
	require.ErrorIs(t, err, ErrRegistryUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- r.WaitLoaded(context.Background()) }()
	r.Swap(EmptySnapshot())
	r.Swap(EmptySnapshot())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitLoaded did not return after Swap")
	}
}
