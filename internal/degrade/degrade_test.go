package degrade

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

var t0 = time.Unix(1_700_000_000, 0)

func newPolicy(c *fakeClock) *Policy {
	return New(Options{Name: "test", Duration: 300 * time.Second, Clock: c.Now})
}

func TestClassify(t *testing.T) {
	cases := []struct {
		sig  Signal
		want Action
	}{
		{Signal{Status: 429, Message: "You are being rate limited"}, TriggerDegradation},
		{Signal{Status: 429, Message: "slow down"}, SoftThrottle},
		{Signal{Status: 403, Message: "Missing Permissions"}, Ignore},
		{Signal{Status: 403, Message: "Access Denied by Cloudflare"}, TriggerDegradation},
		{Signal{Message: "error code: 1015"}, TriggerDegradation},
		{Signal{Message: "TOO MANY REQUESTS"}, TriggerDegradation},
		{Signal{Status: 500, Message: "internal error"}, Ignore},
		{Signal{}, Ignore},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d/%s", tc.sig.Status, tc.sig.Message), func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.sig))
		})
	}
}

func TestClassifyDoesNotMutate(t *testing.T) {
	c := &fakeClock{t: t0}
	p := newPolicy(c)
	_ = Classify(Signal{Status: 429, Message: "cloudflare"})
	assert.Equal(t, ModeNormal, p.Mode())
	assert.Equal(t, 0, p.Status(t0).TriggerCount)
}

func TestActivateAndExpire(t *testing.T) {
	c := &fakeClock{t: t0}
	p := newPolicy(c)

	p.Activate("test")
	assert.Equal(t, ModeDegraded, p.Tick(t0.Add(299*time.Second)))
	assert.Equal(t, ModeNormal, p.Tick(t0.Add(300*time.Second)), "expires at exactly the duration")
	assert.Equal(t, 1, p.Status(t0).TriggerCount, "deactivation keeps the trigger count")
}

func TestStateDoesNotExpireOnReadAlone(t *testing.T) {
	c := &fakeClock{t: t0}
	p := newPolicy(c)
	p.Activate("test")
	c.Set(t0.Add(time.Hour))
	assert.Equal(t, ModeDegraded, p.Mode())
	assert.False(t, p.Active())
	assert.Equal(t, ModeNormal, p.Mode())
}

func TestReactivationRestartsWindow(t *testing.T) {
	c := &fakeClock{t: t0}
	p := newPolicy(c)

	p.Activate("first")
	c.Set(t0.Add(10 * time.Second))
	p.Activate("second")

	assert.Equal(t, ModeDegraded, p.Tick(t0.Add(250*time.Second)))
	assert.Equal(t, ModeDegraded, p.Tick(t0.Add(305*time.Second)), "window counts from the second activation")
	assert.Equal(t, ModeNormal, p.Tick(t0.Add(310*time.Second)))
	assert.Equal(t, 2, p.Status(t0).TriggerCount)
}

func TestDeactivateIsUnconditional(t *testing.T) {
	c := &fakeClock{t: t0}
	p := newPolicy(c)
	p.Activate("x")
	p.Deactivate()
	assert.Equal(t, ModeNormal, p.Mode())
	p.Deactivate()
	assert.Equal(t, ModeNormal, p.Mode())
}

func TestStatusSnapshot(t *testing.T) {
	c := &fakeClock{t: t0}
	p := newPolicy(c)

	st := p.Status(t0)
	assert.Equal(t, ModeNormal, st.Mode)
	assert.Nil(t, st.Elapsed)
	assert.Nil(t, st.Remaining)

	p.Activate("x")
	st = p.Status(t0.Add(100 * time.Second))
	require.NotNil(t, st.Elapsed)
	require.NotNil(t, st.Remaining)
	assert.Equal(t, ModeDegraded, st.Mode)
	assert.InDelta(t, 100, *st.Elapsed, 1e-9)
	assert.InDelta(t, 200, *st.Remaining, 1e-9)

	// without a Tick the mode is still degraded; remaining is floored at zero
	st = p.Status(t0.Add(400 * time.Second))
	assert.Equal(t, 0.0, *st.Remaining)
}

type statusErr struct {
	code int
	msg  string
}

func (e statusErr) Error() string   { return e.msg }
func (e statusErr) StatusCode() int { return e.code }

func TestHandleError(t *testing.T) {
	c := &fakeClock{t: t0}
	p := newPolicy(c)

	assert.Equal(t, Ignore, p.HandleError(nil))
	assert.Equal(t, SoftThrottle, p.HandleError(fmt.Errorf("send: %w", statusErr{429, "slow down"})))
	assert.Equal(t, ModeNormal, p.Mode())

	assert.Equal(t, Ignore, p.HandleError(statusErr{403, "Missing Permissions"}))
	assert.Equal(t, ModeNormal, p.Mode())

	assert.Equal(t, TriggerDegradation, p.HandleError(statusErr{429, "You are being rate limited"}))
	assert.Equal(t, ModeDegraded, p.Mode())

	assert.Equal(t, TriggerDegradation, p.HandleError(errors.New("cloudflare error 1015")))
	assert.Equal(t, 2, p.Status(t0).TriggerCount)
}

func TestSignalFromError(t *testing.T) {
	sig := SignalFromError(fmt.Errorf("wrapped: %w", statusErr{429, "slow"}))
	assert.Equal(t, 429, sig.Status)
	assert.Contains(t, sig.Message, "slow")

	sig = SignalFromError(errors.New("plain"))
	assert.Equal(t, 0, sig.Status)
	assert.Equal(t, Signal{}, SignalFromError(nil))
}

func TestConcurrentHandle(t *testing.T) {
	p := New(Options{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Handle(Signal{Status: 429, Message: "rate limited"})
			_ = p.Active()
			_ = p.Status(time.Now())
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, p.Status(time.Now()).TriggerCount)
}

func TestActivationRacingExpiryIsKept(t *testing.T) {
	expiry := t0.Add(300 * time.Second)
	for i := 0; i < 200; i++ {
		c := &fakeClock{t: t0}
		p := newPolicy(c)
		p.Activate("first")
		c.Set(expiry)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = p.Tick(expiry)
		}()
		go func() {
			defer wg.Done()
			p.Activate("second")
		}()
		wg.Wait()

		// either order leaves the second trigger's window open
		require.Equal(t, ModeDegraded, p.Mode(), "round %d", i)
		require.Equal(t, 2, p.Status(expiry).TriggerCount)
	}
}

func TestDefaults(t *testing.T) {
	p := New(Options{})
	assert.Equal(t, DefaultDuration, p.Duration())
	assert.Equal(t, "trigger_degradation", TriggerDegradation.String())
}
