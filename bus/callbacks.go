package bus

import (
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"golang.org/x/exp/maps"
)

// callbackRegistry maps opaque or caller-chosen ids to handler nodes.
// Anonymous ids are "#<counter>-<random>"; named ids are "%<name>". A named
// registration not marked overwritable can never be silently replaced.
type callbackRegistry struct {
	mutex        sync.Mutex
	counter      int
	handlers     map[string]*HandlerNode
	overwritable map[string]bool
}

func newCallbackRegistry() *callbackRegistry {
	return &callbackRegistry{
		handlers:     map[string]*HandlerNode{},
		overwritable: map[string]bool{},
	}
}

func (self *callbackRegistry) addAnonymous(node *HandlerNode) string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.counter += 1
	callbackId := fmt.Sprintf(
		"#%d-%s",
		self.counter,
		strings.ToLower(ulid.Make().String()),
	)
	self.handlers[callbackId] = node
	return callbackId
}

func (self *callbackRegistry) addNamed(name string, node *HandlerNode, overwrite bool) (string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := "%" + name
	if _, ok := self.handlers[callbackId]; ok {
		if !self.overwritable[callbackId] || !overwrite {
			return "", fmt.Errorf("callback %s already registered", callbackId)
		}
	}
	self.handlers[callbackId] = node
	if overwrite {
		self.overwritable[callbackId] = true
	} else {
		delete(self.overwritable, callbackId)
	}
	return callbackId, nil
}

func (self *callbackRegistry) remove(callbackId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.handlers, callbackId)
	delete(self.overwritable, callbackId)
}

func (self *callbackRegistry) get(callbackId string) *HandlerNode {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.handlers[callbackId]
}

func (self *callbackRegistry) callbackIds() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return maps.Keys(self.handlers)
}
