package bus

import (
	"context"
	"strings"
)

// HandlerFunc handles a dispatched message and returns the ack body or an
// error. Returning a *Error preserves its code on the nack; any other error
// nacks as `component_nack` wrapping the error text.
type HandlerFunc func(ctx context.Context, message *Message) (any, error)

// HandlerNode is one node of the dispatch tree: either a plain function
// (Children == nil) or an interior node with an optional root handler and
// named sub-handlers keyed by path segment.
type HandlerNode struct {
	Func     HandlerFunc
	Children map[string]*HandlerNode
}

func Leaf(fn HandlerFunc) *HandlerNode {
	return &HandlerNode{
		Func: fn,
	}
}

func Interior(root HandlerFunc, children map[string]*HandlerNode) *HandlerNode {
	if children == nil {
		children = map[string]*HandlerNode{}
	}
	return &HandlerNode{
		Func:     root,
		Children: children,
	}
}

func (self *HandlerNode) isLeaf() bool {
	return self.Children == nil
}

// dispatch descends the tree one segment at a time. consumedId accumulates
// the already-consumed path for diagnostics. The local device id is only
// used to tag routing errors.
func (self *HandlerNode) dispatch(
	ctx context.Context,
	deviceId string,
	consumedId string,
	segments []string,
	message *Message,
) (any, error) {
	node := self
	for len(segments) > 0 {
		if node.isLeaf() {
			return nil, newError(
				ErrorComponentNotFound,
				deviceId,
				"%s has no sub-component %s",
				consumedId,
				strings.Join(segments, "/"),
			)
		}
		child, ok := node.Children[segments[0]]
		if !ok {
			return nil, newError(
				ErrorComponentNotFound,
				deviceId,
				"%s has no sub-component %s",
				consumedId,
				strings.Join(segments, "/"),
			)
		}
		consumedId = consumedId + "/" + segments[0]
		segments = segments[1:]
		node = child
	}
	if node.Func == nil {
		return nil, newError(ErrorComponentNotFound, deviceId, "%s has no root handler", consumedId)
	}
	return node.Func(ctx, message)
}
