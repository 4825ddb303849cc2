package bus

import (
	"context"
	"errors"
)

// UpstreamBinding is the default destination. Sends to a device without its
// own binding fall back to upstream unless explicitly suppressed.
const UpstreamBinding = "upstream"

// Transport is a minimal bidirectional message channel provided by the
// environment. Each transport must have a unique stable id; zero-state
// implementations make the pointer itself ambiguous as a map key.
type Transport interface {
	TransportId() string
	Send(text []byte) error
}

// ErrNotFound is returned by Directory lookups for an unknown component,
// distinguishable from a generic lookup fault.
var ErrNotFound = errors.New("component not found")

// Directory resolves a component id to the device hosting it.
type Directory interface {
	Lookup(ctx context.Context, componentId string) (deviceId string, err error)
}

// ComponentRegistry exposes locally hosted components. A nil handler means
// the component is not hosted here. The environment signals creation and
// destruction through Bus.NotifyComponentChange.
type ComponentRegistry interface {
	Handler(componentId string) *HandlerNode
	ComponentIds() []string
}
