package bus

import (
	"sync"

	"golang.org/x/exp/slices"
)

// DeviceSetChangeFunction observes the set of connected device ids.
type DeviceSetChangeFunction func(deviceIds []string)

// ComponentSetChangeFunction observes the set of locally hosted component ids.
type ComponentSetChangeFunction func(componentIds []string)

// CallbackList holds registered callbacks in registration order. Add returns
// a removal function, since function values are not comparable.
type CallbackList[T any] struct {
	mutex   sync.Mutex
	counter int
	keys    []int
	entries map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		entries: map[int]T{},
	}
}

func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.counter += 1
	key := self.counter
	self.keys = append(self.keys, key)
	self.entries[key] = callback

	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		i := slices.Index(self.keys, key)
		if i < 0 {
			// already removed
			return
		}
		self.keys = slices.Delete(self.keys, i, i+1)
		delete(self.entries, key)
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.keys))
	for _, key := range self.keys {
		callbacks = append(callbacks, self.entries[key])
	}
	return callbacks
}
