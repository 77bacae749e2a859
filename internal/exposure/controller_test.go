package exposure_test

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"codeberg.org/mutker/hdrvideo/internal/exposure"
	"codeberg.org/mutker/hdrvideo/internal/histogram"
	"codeberg.org/mutker/hdrvideo/internal/mode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flat(bucket int) histogram.Histogram {
	counts := make([]uint64, histogram.Bins)
	counts[bucket] = 1000
	return histogram.New(counts)
}

func mixed(pairs ...int) histogram.Histogram {
	counts := make([]uint64, histogram.Bins)
	for i := 0; i+1 < len(pairs); i += 2 {
		counts[pairs[i]] += uint64(pairs[i+1])
	}
	return histogram.New(counts)
}

type recorder struct {
	mu  sync.Mutex
	got []exposure.Parameters
}

func (r *recorder) OnParameters(p exposure.Parameters) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, p)
}

func (r *recorder) all() []exposure.Parameters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]exposure.Parameters(nil), r.got...)
}

func metering(t *testing.T, opts ...exposure.Option) (*exposure.Controller, *recorder) {
	t.Helper()
	c, err := exposure.New(opts...)
	require.NoError(t, err)

	rec := &recorder{}
	c.AttachListener(rec)
	require.NoError(t, c.StartAutoMetering())

	return c, rec
}

func TestRisingBrightnessRaisesUnderChannelOnEvenTicks(t *testing.T) {
	c, rec := metering(t)
	initial := c.Snapshot()

	ev := c.Evaluate(flat(100))
	assert.Equal(t, exposure.ClassBaseline, ev.Class)
	assert.Empty(t, rec.all())

	ev = c.Evaluate(flat(110))
	assert.Equal(t, exposure.ClassUnder, ev.Class)
	assert.True(t, ev.Published)
	require.Len(t, rec.all(), 1)

	ev = c.Evaluate(flat(120))
	assert.Equal(t, exposure.ClassUnder, ev.Class)
	assert.False(t, ev.Published)
	require.Len(t, rec.all(), 1, "odd ticks do not publish")

	ev = c.Evaluate(flat(130))
	assert.True(t, ev.Published)
	got := rec.all()
	require.Len(t, got, 2)

	prev := initial
	for _, p := range got {
		raised := p.UnderISO > prev.UnderISO || p.UnderDuration > prev.UnderDuration
		assert.True(t, raised, "under channel should rise: %+v -> %+v", prev, p)
		assert.Equal(t, initial.OverISO, p.OverISO)
		assert.Equal(t, initial.OverDuration, p.OverDuration)
		assert.LessOrEqual(t, p.UnderDuration, p.OverDuration)
		assert.LessOrEqual(t, p.UnderISO, p.OverISO)
		prev = p
	}
}

func TestUnitFactorDoesNotPublish(t *testing.T) {
	c, err := exposure.New()
	require.NoError(t, err)
	rec := &recorder{}
	c.AttachListener(rec)

	before := c.Snapshot()
	assert.Equal(t, before, c.AdjustUnderexposure(1.0))
	assert.Equal(t, before, c.AdjustOverexposure(1.0))
	assert.Empty(t, rec.all())

	after := c.AdjustUnderexposure(1.5)
	assert.NotEqual(t, before, after)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, after, rec.all()[0])
}

func TestSaturatedAdjustDoesNotPublish(t *testing.T) {
	c, err := exposure.New()
	require.NoError(t, err)
	rec := &recorder{}
	c.AttachListener(rec)

	// The under duration ends up pinned to the over channel with both at minimum ISO.
	for i := 0; i < 50; i++ {
		c.AdjustUnderexposure(2)
	}
	n := len(rec.all())
	c.AdjustUnderexposure(2)
	assert.Len(t, rec.all(), n)
}

func TestManualAdjustWithoutListener(t *testing.T) {
	c, err := exposure.New()
	require.NoError(t, err)

	before := c.Snapshot()
	after := c.AdjustOverexposure(0.5)
	assert.Less(t, after.OverDuration, before.OverDuration)
	assert.Equal(t, after, c.Snapshot())
}

func TestStateTransitions(t *testing.T) {
	c, err := exposure.New()
	require.NoError(t, err)
	assert.Equal(t, exposure.StateIdle, c.State())

	assert.Error(t, c.StartAutoMetering())

	c.AttachListener(&recorder{})
	assert.Equal(t, exposure.StateArmed, c.State())

	require.NoError(t, c.StartAutoMetering())
	assert.Equal(t, exposure.StateAutoMetering, c.State())

	c.StopAutoMetering()
	assert.Equal(t, exposure.StateArmed, c.State())

	require.NoError(t, c.StartAutoMetering())
	c.DetachListener()
	assert.Equal(t, exposure.StateIdle, c.State())

	c.AttachListener(&recorder{})
	c.AttachListener(nil)
	assert.Equal(t, exposure.StateIdle, c.State())
}

func TestEvaluateSkippedUnlessAutoMetering(t *testing.T) {
	c, err := exposure.New()
	require.NoError(t, err)
	c.AttachListener(&recorder{})

	ev := c.Evaluate(flat(100))
	assert.Equal(t, exposure.ClassSkipped, ev.Class)
}

func TestRestartResetsBaseline(t *testing.T) {
	c, _ := metering(t)

	c.Evaluate(flat(100))
	require.NoError(t, c.StartAutoMetering())
	ev := c.Evaluate(flat(200))
	assert.Equal(t, exposure.ClassBaseline, ev.Class)
	assert.Equal(t, uint64(1), ev.Tick)
}

func TestSuppressPolicySkipsTicks(t *testing.T) {
	var policy atomic.Int32
	policy.Store(int32(mode.Suppress))
	source := exposure.PolicyFunc(func() mode.Policy { return mode.Policy(policy.Load()) })

	c, rec := metering(t, exposure.WithPolicySource(source))

	for _, b := range []int{50, 100, 150, 200} {
		assert.Equal(t, exposure.ClassSkipped, c.Evaluate(flat(b)).Class)
	}

	policy.Store(int32(mode.Adjust))
	assert.Equal(t, exposure.ClassBaseline, c.Evaluate(flat(100)).Class)
	assert.Empty(t, rec.all())
}

func TestObservePolicyNeverAdjusts(t *testing.T) {
	source := exposure.PolicyFunc(func() mode.Policy { return mode.Observe })
	c, rec := metering(t, exposure.WithPolicySource(source))
	before := c.Snapshot()

	for _, b := range []int{100, 110, 120, 130, 130, 130} {
		ev := c.Evaluate(flat(b))
		assert.False(t, ev.Published)
		assert.Equal(t, mode.Observe, ev.Policy)
	}
	assert.Equal(t, before, c.Snapshot())
	assert.Empty(t, rec.all())
}

func TestStarvedTickKeepsBaseline(t *testing.T) {
	c, rec := metering(t)
	before := c.Snapshot()

	c.Evaluate(flat(100))
	assert.Equal(t, exposure.ClassStarved, c.Evaluate(histogram.Histogram{}).Class)

	// Compared against 100, not against the empty sample; tick 2 spreads.
	ev := c.Evaluate(flat(100))
	assert.Equal(t, exposure.ClassAmbiguous, ev.Class)
	assert.Equal(t, uint64(2), ev.Tick)
	assert.True(t, ev.Published)

	got := rec.all()
	require.Len(t, got, 1)
	assert.Less(t, got[0].UnderDuration, before.UnderDuration)
	assert.Greater(t, got[0].OverISO, before.OverISO)
}

func TestAmbiguousSpreadsOnlyOnEvenTicks(t *testing.T) {
	c, _ := metering(t)

	c.Evaluate(flat(100))
	ev := c.Evaluate(flat(100))
	assert.Equal(t, exposure.ChannelBoth, ev.Channel)
	after := c.Snapshot()

	ev = c.Evaluate(flat(100))
	assert.Equal(t, exposure.ClassAmbiguous, ev.Class)
	assert.Equal(t, exposure.ChannelNone, ev.Channel)
	assert.Equal(t, after, c.Snapshot())
}

func TestClippedHighlightsDarkenUnderChannel(t *testing.T) {
	c, _ := metering(t)
	before := c.Snapshot()

	c.Evaluate(flat(100))
	ev := c.Evaluate(mixed(120, 900, 255, 100))
	assert.Equal(t, exposure.ClassUnder, ev.Class)
	assert.Equal(t, exposure.DefaultTuning().WeakDecrease, ev.Factor)
	assert.Less(t, c.Snapshot().UnderDuration, before.UnderDuration)
}

func TestCrushedShadowsBrightenOverChannel(t *testing.T) {
	c, _ := metering(t)
	before := c.Snapshot()

	c.Evaluate(flat(150))
	ev := c.Evaluate(mixed(100, 900, 0, 100))
	assert.Equal(t, exposure.ClassOver, ev.Class)
	assert.Equal(t, exposure.ChannelOver, ev.Channel)
	assert.Equal(t, exposure.DefaultTuning().WeakIncrease, ev.Factor)

	after := c.Snapshot()
	assert.Equal(t, before.OverISO+1, after.OverISO)
	assert.Equal(t, before.OverDuration, after.OverDuration)
}

func TestWellExposedSampleIsLeftAlone(t *testing.T) {
	c, rec := metering(t)
	before := c.Snapshot()

	c.Evaluate(flat(100))
	ev := c.Evaluate(mixed(150, 700, 240, 300))
	assert.Equal(t, exposure.ClassUnder, ev.Class)
	assert.Equal(t, 1.0, ev.Factor)
	assert.False(t, ev.Published)
	assert.Equal(t, before, c.Snapshot())
	assert.Empty(t, rec.all())
}

type collector struct {
	mu  sync.Mutex
	evs []exposure.Evaluation
}

func (c *collector) Observe(ev exposure.Evaluation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, ev)
}

func TestObserverSeesEvaluatedTicks(t *testing.T) {
	obs := &collector{}
	c, _ := metering(t, exposure.WithObserver(obs))

	c.Evaluate(flat(100))
	c.Evaluate(flat(120))
	c.Evaluate(histogram.Histogram{})
	c.StopAutoMetering()
	c.Evaluate(flat(140))

	require.Len(t, obs.evs, 2)
	assert.Equal(t, exposure.ClassBaseline, obs.evs[0].Class)
	assert.Equal(t, exposure.ClassUnder, obs.evs[1].Class)
	assert.Equal(t, uint64(1000), obs.evs[1].Histogram.Total())
}

func TestNewRejectsInvalidParameters(t *testing.T) {
	l := exposure.DefaultLimits()
	_, err := exposure.New(exposure.WithParameters(exposure.Parameters{
		UnderISO:      l.MinISO,
		UnderDuration: l.MaxDuration,
		OverISO:       l.MinISO,
		OverDuration:  l.MaxDuration * 2,
	}))
	assert.Error(t, err)

	bad := exposure.DefaultTuning()
	bad.Epsilon = 2
	_, err = exposure.New(exposure.WithTuning(bad))
	assert.Error(t, err)
}

type guardedListener struct {
	detached   atomic.Bool
	violations *atomic.Int64
}

func (l *guardedListener) OnParameters(exposure.Parameters) {
	if l.detached.Load() {
		l.violations.Add(1)
	}
}

func TestNoCallbackAfterDetach(t *testing.T) {
	c, err := exposure.New()
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			c.Evaluate(flat(100 + (i%2)*50))
		}
	}()
	go func() {
		defer wg.Done()
		rng := rand.New(rand.NewSource(1))
		for {
			select {
			case <-stop:
				return
			default:
			}
			c.AdjustOverexposure(0.5 + rng.Float64())
		}
	}()

	var violations atomic.Int64
	for i := 0; i < 500; i++ {
		l := &guardedListener{violations: &violations}
		c.AttachListener(l)
		_ = c.StartAutoMetering()
		c.DetachListener()
		l.detached.Store(true)
	}

	close(stop)
	wg.Wait()
	assert.Zero(t, violations.Load())
}

func TestSnapshotsAreNeverTorn(t *testing.T) {
	c, err := exposure.New()
	require.NoError(t, err)
	limits := c.Limits()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 2000; i++ {
				f := rng.Float64() * 2
				if rng.Intn(2) == 0 {
					c.AdjustUnderexposure(f)
				} else {
					c.AdjustOverexposure(f)
				}
			}
		}(int64(w))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			assert.True(t, c.Snapshot().Within(limits))
			return
		default:
			p := c.Snapshot()
			require.Truef(t, p.Within(limits), "%+v", p)
		}
	}
}
