package clocksync

import (
	"math"
	"sync"

	"github.com/golang/glog"
)

// Timeline report subtypes.
const (
	SampleAvailable   = "available"
	SampleUnavailable = "unavailable"
	SampleChange      = "change"
	SampleUpdate      = "update"
)

// Sample is one raw timeline report: the timeline position in ticks and its
// speed at the instant the report was received.
type Sample struct {
	Subtype string
	Time    float64
	Speed   float64
}

type FilterSettings struct {
	// EwmaWeight is the exponential moving average weight for update
	// sample offsets.
	EwmaWeight float64
	// ChangeThreshold is the smoothed offset magnitude, in seconds, that
	// must be exceeded before an update correction is applied.
	ChangeThreshold float64
	// MinRunningCount is the minimum number of update samples since the
	// last reset before a correction may be applied.
	MinRunningCount int
}

func DefaultFilterSettings() *FilterSettings {
	return &FilterSettings{
		EwmaWeight:      0.15,
		ChangeThreshold: 0.1,
		MinRunningCount: 3,
	}
}

// CorrectionFilter re-anchors a clock from raw timeline reports. Explicit
// discontinuities (available, change) apply immediately; steady-state
// update samples are smoothed and threshold-gated so the clock does not
// chase jitter.
type CorrectionFilter struct {
	clock    *Clock
	settings *FilterSettings

	mutex        sync.Mutex
	ewma         float64
	seeded       bool
	runningCount int
}

func NewCorrectionFilterWithDefaults(clock *Clock) *CorrectionFilter {
	return NewCorrectionFilter(clock, DefaultFilterSettings())
}

func NewCorrectionFilter(clock *Clock, settings *FilterSettings) *CorrectionFilter {
	return &CorrectionFilter{
		clock:    clock,
		settings: settings,
	}
}

func (self *CorrectionFilter) Clock() *Clock {
	return self.clock
}

// Update consumes one raw sample.
func (self *CorrectionFilter) Update(sample Sample) {
	if sample.Subtype == SampleUnavailable {
		self.clock.SetAvailable(false)
		return
	}

	// candidate correlation anchored at the present parent instant
	correlation := Correlation{
		ParentTicks: self.clock.ParentTicks(),
		ChildTicks:  sample.Time,
	}
	change := self.clock.QuantifySignedChange(correlation, sample.Speed)

	switch sample.Subtype {
	case SampleUpdate:
		if math.IsNaN(change) || math.IsInf(change, 0) {
			glog.V(1).Infof("[clock]drop non-finite update change\n")
			return
		}
		self.mutex.Lock()
		if self.seeded {
			self.ewma = self.settings.EwmaWeight*change + (1-self.settings.EwmaWeight)*self.ewma
		} else {
			self.ewma = change
			self.seeded = true
		}
		self.runningCount += 1
		apply := self.settings.ChangeThreshold < math.Abs(self.ewma) &&
			self.settings.MinRunningCount <= self.runningCount
		ewma := self.ewma
		if apply {
			self.reset()
		}
		self.mutex.Unlock()

		if !apply {
			return
		}
		// absorb the smoothed residual: the jump actually applied is
		// change - ewma rather than the raw change
		adjusted := Correlation{
			ParentTicks: correlation.ParentTicks,
			ChildTicks:  correlation.ChildTicks - ewma*self.clock.TickRate(),
		}
		glog.V(1).Infof("[clock]apply update correction %.6fs\n", change-ewma)
		self.clock.SetCorrelationAndSpeed(adjusted, sample.Speed)
	case SampleAvailable, SampleChange:
		// explicit discontinuities re-anchor unconditionally
		self.mutex.Lock()
		self.reset()
		self.mutex.Unlock()

		glog.V(1).Infof("[clock]apply %s correction %.6fs\n", sample.Subtype, change)
		self.clock.SetCorrelationAndSpeed(correlation, sample.Speed)
		if sample.Subtype == SampleAvailable {
			self.clock.SetAvailable(true)
		}
	default:
		glog.Infof("[clock]drop unknown sample subtype %s\n", sample.Subtype)
	}
}

// reset must be called with the mutex held.
func (self *CorrectionFilter) reset() {
	self.ewma = 0
	self.seeded = false
	self.runningCount = 0
}
