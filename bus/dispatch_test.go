package bus

import (
	"context"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDispatchTree(t *testing.T) {
	ctx := context.Background()

	echo := func(tag string) HandlerFunc {
		return func(ctx context.Context, message *Message) (any, error) {
			return tag, nil
		}
	}

	tree := Interior(echo("root"), map[string]*HandlerNode{
		"a": Interior(echo("a"), map[string]*HandlerNode{
			"b": Leaf(echo("a/b")),
		}),
		"noroot": Interior(nil, map[string]*HandlerNode{
			"c": Leaf(echo("noroot/c")),
		}),
	})

	message := &Message{}

	body, err := tree.dispatch(ctx, "d1", "top", nil, message)
	assert.Equal(t, nil, err)
	assert.Equal(t, "root", body)

	body, err = tree.dispatch(ctx, "d1", "top", []string{"a"}, message)
	assert.Equal(t, nil, err)
	assert.Equal(t, "a", body)

	body, err = tree.dispatch(ctx, "d1", "top", []string{"a", "b"}, message)
	assert.Equal(t, nil, err)
	assert.Equal(t, "a/b", body)

	// a leaf handler with unconsumed segments is a routing failure
	_, err = tree.dispatch(ctx, "d1", "top", []string{"a", "b", "c"}, message)
	assert.Equal(t, true, IsCode(err, ErrorComponentNotFound))
	// the consumed path is accumulated for diagnostics
	assert.Equal(t, true, strings.Contains(err.Error(), "top/a/b"))

	// an unmatched segment is a routing failure
	_, err = tree.dispatch(ctx, "d1", "top", []string{"missing"}, message)
	assert.Equal(t, true, IsCode(err, ErrorComponentNotFound))

	// an interior node with no root handler cannot terminate a path
	_, err = tree.dispatch(ctx, "d1", "top", []string{"noroot"}, message)
	assert.Equal(t, true, IsCode(err, ErrorComponentNotFound))

	body, err = tree.dispatch(ctx, "d1", "top", []string{"noroot", "c"}, message)
	assert.Equal(t, nil, err)
	assert.Equal(t, "noroot/c", body)
}
