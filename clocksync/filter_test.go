package clocksync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func testFilterClock() (*testTicker, *Clock) {
	parent := &testTicker{
		ticks:    0,
		tickRate: 1000,
	}
	clock := NewClock(parent, 1000, Correlation{
		ParentTicks: 0,
		ChildTicks:  0,
	}, 1)
	return parent, clock
}

func TestFilterUpdateBelowThreshold(t *testing.T) {
	_, clock := testFilterClock()
	filter := NewCorrectionFilterWithDefaults(clock)

	// 50 ms offsets stay under the 100 ms threshold no matter how many
	// samples accumulate
	for i := 0; i < 10; i += 1 {
		filter.Update(Sample{
			Subtype: SampleUpdate,
			Time:    clock.Ticks() + 50,
			Speed:   1,
		})
	}
	assertNear(t, clock.Ticks(), 0)
}

func TestFilterUpdateMinRunningCount(t *testing.T) {
	_, clock := testFilterClock()
	filter := NewCorrectionFilterWithDefaults(clock)

	// over threshold but under the sample count gate
	filter.Update(Sample{
		Subtype: SampleUpdate,
		Time:    clock.Ticks() + 500,
		Speed:   1,
	})
	assertNear(t, clock.Ticks(), 0)
	filter.Update(Sample{
		Subtype: SampleUpdate,
		Time:    clock.Ticks() + 500,
		Speed:   1,
	})
	assertNear(t, clock.Ticks(), 0)
}

func TestFilterUpdateAppliesSmoothedResidual(t *testing.T) {
	_, clock := testFilterClock()
	filter := NewCorrectionFilterWithDefaults(clock)

	filter.Update(Sample{
		Subtype: SampleUpdate,
		Time:    clock.Ticks() + 500,
		Speed:   1,
	})
	filter.Update(Sample{
		Subtype: SampleUpdate,
		Time:    clock.Ticks() + 500,
		Speed:   1,
	})
	// third sample passes both gates; ewma = 0.15*0.8 + 0.85*0.5 = 0.545
	// and the applied jump is change - ewma = 0.8 - 0.545 = 0.255
	filter.Update(Sample{
		Subtype: SampleUpdate,
		Time:    clock.Ticks() + 800,
		Speed:   1,
	})
	assertNear(t, clock.Ticks(), 255)

	// count restarted after the applied correction
	filter.Update(Sample{
		Subtype: SampleUpdate,
		Time:    clock.Ticks() + 500,
		Speed:   1,
	})
	assertNear(t, clock.Ticks(), 255)
}

func TestFilterChangeAppliesImmediately(t *testing.T) {
	_, clock := testFilterClock()
	filter := NewCorrectionFilterWithDefaults(clock)

	filter.Update(Sample{
		Subtype: SampleChange,
		Time:    1234,
		Speed:   2,
	})
	assertNear(t, clock.Ticks(), 1234)
	assertNear(t, clock.Speed(), 2)
}

func TestFilterAvailability(t *testing.T) {
	_, clock := testFilterClock()
	filter := NewCorrectionFilterWithDefaults(clock)

	assert.Equal(t, clock.Available(), false)

	filter.Update(Sample{
		Subtype: SampleAvailable,
		Time:    100,
		Speed:   1,
	})
	assert.Equal(t, clock.Available(), true)
	assertNear(t, clock.Ticks(), 100)

	filter.Update(Sample{
		Subtype: SampleUnavailable,
	})
	assert.Equal(t, clock.Available(), false)
	// an unavailable report does not re-anchor
	assertNear(t, clock.Ticks(), 100)
}
