package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// The special namespace is rooted at "!"-prefixed names so it can never
// collide with ordinary component ids.

// subscription delivers live set updates to one subscriber component. It is
// removed as soon as a delivery fails.
type subscription struct {
	deviceId    string
	componentId string
	specialId   string
}

func subscriptionKey(deviceId string, componentId string) string {
	return deviceId + "|" + componentId
}

func (self *Bus) registerSpecials() {
	self.specials["!echo"] = Leaf(func(ctx context.Context, message *Message) (any, error) {
		return message.Body, nil
	})
	self.specials["!devices"] = Leaf(func(ctx context.Context, message *Message) (any, error) {
		self.maybeSubscribe(self.deviceSubscriptions, "!devices", message)
		return self.ConnectedDeviceIds(), nil
	})
	self.specials["!components"] = Leaf(func(ctx context.Context, message *Message) (any, error) {
		self.maybeSubscribe(self.componentSubscriptions, "!components", message)
		componentIds := []string{}
		if self.components != nil {
			componentIds = self.components.ComponentIds()
		}
		slices.Sort(componentIds)
		return componentIds, nil
	})
	self.specials["!specials"] = Leaf(func(ctx context.Context, message *Message) (any, error) {
		self.mutex.Lock()
		specialIds := maps.Keys(self.specials)
		self.mutex.Unlock()
		slices.Sort(specialIds)
		return specialIds, nil
	})
	self.specials["!callbacks"] = Leaf(func(ctx context.Context, message *Message) (any, error) {
		callbackIds := self.callbacks.callbackIds()
		slices.Sort(callbackIds)
		return callbackIds, nil
	})
}

// RegisterSpecial adds a handler to the special namespace. This is how the
// environment exposes administrative actions on the component, layout and
// session subsystems.
func (self *Bus) RegisterSpecial(name string, node *HandlerNode) error {
	if !strings.HasPrefix(name, "!") {
		return fmt.Errorf("special handler name must start with '!': %s", name)
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.specials[name]; ok {
		return fmt.Errorf("special handler %s already registered", name)
	}
	self.specials[name] = node
	return nil
}

// maybeSubscribe registers a live-update subscription when the request body
// carries a "subscribe" field. The subscriber defaults to the sender.
func (self *Bus) maybeSubscribe(subscriptions map[string]*subscription, specialId string, message *Message) {
	body, ok := message.Body.(map[string]any)
	if !ok {
		return
	}
	subscribe, ok := body["subscribe"]
	if !ok {
		return
	}

	componentId, _ := subscribe.(string)
	if componentId == "" {
		componentId = message.FromComponentId
	}
	if message.FromDeviceId == "" || componentId == "" {
		return
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	subscriptions[subscriptionKey(message.FromDeviceId, componentId)] = &subscription{
		deviceId:    message.FromDeviceId,
		componentId: componentId,
		specialId:   specialId,
	}
}

// notifySubscriptions pushes the updated id set to every subscriber. A
// failed delivery cancels that subscription.
func (self *Bus) notifySubscriptions(subscriptions map[string]*subscription, ids []string) {
	self.mutex.Lock()
	active := maps.Values(subscriptions)
	self.mutex.Unlock()

	for _, sub := range active {
		sub := sub
		go func() {
			_, err := self.Send(self.ctx, ids, sub.deviceId, sub.componentId, sub.specialId)
			if err != nil {
				glog.Infof("[bus]%s subscription to %s/%s cancelled = %s\n",
					sub.specialId, sub.deviceId, sub.componentId, err)
				self.mutex.Lock()
				delete(subscriptions, subscriptionKey(sub.deviceId, sub.componentId))
				self.mutex.Unlock()
			}
		}()
	}
}
