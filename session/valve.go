package session

import (
	"sync"
)

// Valve defers queued operations while a higher-priority structural change
// (a context switch) is in flight, then releases them in FIFO order once the
// change completes. This is the only explicit mutual-exclusion-like
// discipline outside component locks.
type Valve struct {
	mutex sync.Mutex
	open  bool
	queue []func()
}

func NewValve() *Valve {
	return &Valve{
		open: true,
	}
}

// Do runs f immediately when the valve is open, or queues it otherwise.
func (self *Valve) Do(f func()) {
	self.mutex.Lock()
	if !self.open {
		self.queue = append(self.queue, f)
		self.mutex.Unlock()
		return
	}
	self.mutex.Unlock()

	f()
}

func (self *Valve) Close() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.open = false
}

// Open releases all queued operations in their original order.
func (self *Valve) Open() {
	self.mutex.Lock()
	if self.open {
		self.mutex.Unlock()
		return
	}
	self.open = true
	queue := self.queue
	self.queue = nil
	self.mutex.Unlock()

	for _, f := range queue {
		f()
	}
}

func (self *Valve) IsOpen() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.open
}
