package alerting

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chainwatch/internal/chainlog"
	"chainwatch/internal/detection"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testEvent(logIndex uint) chainlog.LogEvent {
	return chainlog.LogEvent{
		ChainID:     1,
		BlockNumber: 19000000,
		BlockHash:   common.HexToHash("0xbb"),
		BlockTime:   time.Unix(1700000000, 0).UTC(),
		TxHash:      common.HexToHash("0xaa"),
		LogIndex:    logIndex,
		Address:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
		EventName:   "RoleGranted",
	}
}

func testAlert(ruleID string, key ...string) detection.Alert {
	return *detection.NewAlert(ruleID, detection.SeverityCritical, testEvent(3), "Role granted", "admin role granted", key...)
}

func TestGuardCooldown(t *testing.T) {
	clock := newFakeClock()
	g := NewGuard(10*time.Minute, WithClock(clock.Now))
	a := testAlert("role-change", "0x1111", "admin")

	assert.True(t, g.Admit(a), "first occurrence is admitted")

	clock.Advance(5 * time.Minute)
	assert.False(t, g.Admit(a), "repeat within cooldown is suppressed")

	clock.Advance(5 * time.Minute)
	assert.True(t, g.Admit(a), "repeat after cooldown is admitted")

	clock.Advance(time.Minute)
	assert.False(t, g.Admit(a), "admission refreshes the timestamp")
}

func TestGuardKeys(t *testing.T) {
	g := NewGuard(time.Hour, WithClock(newFakeClock().Now))

	a := testAlert("role-change", "x")
	b := testAlert("role-change", "y")
	c := detection.Alert{RuleID: "upgrade", Fingerprint: a.Fingerprint}

	assert.True(t, g.Admit(a))
	assert.True(t, g.Admit(b), "different fingerprint")
	assert.True(t, g.Admit(c), "same fingerprint under another rule")
	assert.False(t, g.Admit(a))
	assert.Equal(t, 3, g.Len())
}

func TestGuardZeroCooldown(t *testing.T) {
	g := NewGuard(0)
	a := testAlert("pause")
	for i := 0; i < 3; i++ {
		assert.True(t, g.Admit(a))
	}
	assert.Equal(t, 0, g.Len())
}

func TestGuardSweepShrinks(t *testing.T) {
	clock := newFakeClock()
	g := NewGuard(time.Minute, WithClock(clock.Now))

	for i := 0; i < 50; i++ {
		require.True(t, g.Admit(testAlert("large-transfer", string(rune('a'+i)))))
	}
	require.Equal(t, 50, g.Len())

	clock.Advance(2 * time.Minute)
	require.True(t, g.Admit(testAlert("large-transfer", "fresh")))
	assert.Equal(t, 1, g.Len())
}

func TestGuardConcurrentAdmit(t *testing.T) {
	g := NewGuard(time.Hour)
	a := testAlert("role-change", "same")

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Admit(a) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load())
}
