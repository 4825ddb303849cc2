package clocksync

import (
	"sync"
	"time"

	"github.com/syncscreen/companion/bus"
)

// TickSource is a monotonic tick counter with a fixed rate. Clocks chain:
// a Clock is itself a TickSource for further derived clocks.
type TickSource interface {
	Ticks() float64
	TickRate() float64
}

// SystemClock counts ticks of the local monotonic clock.
type SystemClock struct {
	start    time.Time
	tickRate float64
}

func NewSystemClock(tickRate float64) *SystemClock {
	return &SystemClock{
		start:    time.Now(),
		tickRate: tickRate,
	}
}

func (self *SystemClock) Ticks() float64 {
	return time.Now().Sub(self.start).Seconds() * self.tickRate
}

func (self *SystemClock) TickRate() float64 {
	return self.tickRate
}

// Correlation anchors a child timeline to its parent: at parent tick
// ParentTicks the child reads ChildTicks.
type Correlation struct {
	ParentTicks float64
	ChildTicks  float64
}

type ClockChangeFunction func()

// Clock derives a timeline from a parent tick source through a correlation
// point and a speed multiplier. Speed 0 is paused, 1 is real time.
type Clock struct {
	parent   TickSource
	tickRate float64

	mutex       sync.Mutex
	correlation Correlation
	speed       float64
	available   bool

	changeCallbacks *bus.CallbackList[ClockChangeFunction]
}

func NewClock(parent TickSource, tickRate float64, correlation Correlation, speed float64) *Clock {
	return &Clock{
		parent:          parent,
		tickRate:        tickRate,
		correlation:     correlation,
		speed:           speed,
		changeCallbacks: bus.NewCallbackList[ClockChangeFunction](),
	}
}

// Ticks is the current child time extrapolated from the parent through the
// correlation.
func (self *Clock) Ticks() float64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.ticksAt(self.parent.Ticks(), self.correlation, self.speed)
}

func (self *Clock) ticksAt(parentTicks float64, correlation Correlation, speed float64) float64 {
	return (parentTicks-correlation.ParentTicks)*speed/self.parent.TickRate()*self.tickRate + correlation.ChildTicks
}

func (self *Clock) TickRate() float64 {
	return self.tickRate
}

// Now is the current child time in seconds.
func (self *Clock) Now() float64 {
	return self.Ticks() / self.tickRate
}

func (self *Clock) Correlation() Correlation {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.correlation
}

func (self *Clock) Speed() float64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.speed
}

func (self *Clock) SetCorrelation(correlation Correlation) {
	self.mutex.Lock()
	self.correlation = correlation
	self.mutex.Unlock()

	self.changed()
}

func (self *Clock) SetSpeed(speed float64) {
	self.mutex.Lock()
	self.speed = speed
	self.mutex.Unlock()

	self.changed()
}

func (self *Clock) SetCorrelationAndSpeed(correlation Correlation, speed float64) {
	self.mutex.Lock()
	self.correlation = correlation
	self.speed = speed
	self.mutex.Unlock()

	self.changed()
}

func (self *Clock) Available() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.available
}

func (self *Clock) SetAvailable(available bool) {
	self.mutex.Lock()
	changed := self.available != available
	self.available = available
	self.mutex.Unlock()

	if changed {
		self.changed()
	}
}

// QuantifySignedChange is the signed difference in seconds between what the
// clock currently predicts now to be and what the candidate correlation and
// speed would predict, evaluated at the same parent instant. Positive means
// the candidate is ahead.
func (self *Clock) QuantifySignedChange(correlation Correlation, speed float64) float64 {
	parentTicks := self.parent.Ticks()

	self.mutex.Lock()
	defer self.mutex.Unlock()

	current := self.ticksAt(parentTicks, self.correlation, self.speed)
	candidate := self.ticksAt(parentTicks, correlation, speed)
	return (candidate - current) / self.tickRate
}

// ParentTicks reads the parent's current tick count, used to anchor a new
// correlation at the present instant.
func (self *Clock) ParentTicks() float64 {
	return self.parent.Ticks()
}

func (self *Clock) AddChangeCallback(callback ClockChangeFunction) func() {
	return self.changeCallbacks.Add(callback)
}

func (self *Clock) changed() {
	for _, callback := range self.changeCallbacks.Get() {
		callback()
	}
}
