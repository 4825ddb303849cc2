package bus

import (
	"context"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func noopHandler(ctx context.Context, message *Message) (any, error) {
	return nil, nil
}

func TestCallbackRegistryAnonymous(t *testing.T) {
	registry := newCallbackRegistry()

	id1 := registry.addAnonymous(Leaf(noopHandler))
	id2 := registry.addAnonymous(Leaf(noopHandler))

	assert.Equal(t, true, strings.HasPrefix(id1, "#1-"))
	assert.Equal(t, true, strings.HasPrefix(id2, "#2-"))
	assert.NotEqual(t, id1, id2)
	assert.NotEqual(t, nil, registry.get(id1))

	registry.remove(id1)
	if registry.get(id1) != nil {
		t.Fatal("removed callback still resolves")
	}
}

func TestCallbackRegistryOverwrite(t *testing.T) {
	registry := newCallbackRegistry()

	id, err := registry.addNamed("status", Leaf(noopHandler), false)
	assert.Equal(t, nil, err)
	assert.Equal(t, "%status", id)

	// a registration not marked overwritable can never be replaced
	_, err = registry.addNamed("status", Leaf(noopHandler), false)
	assert.NotEqual(t, nil, err)
	_, err = registry.addNamed("status", Leaf(noopHandler), true)
	assert.NotEqual(t, nil, err)

	// both the previous and the new registration must allow overwriting
	_, err = registry.addNamed("live", Leaf(noopHandler), true)
	assert.Equal(t, nil, err)
	_, err = registry.addNamed("live", Leaf(noopHandler), false)
	assert.NotEqual(t, nil, err)
	_, err = registry.addNamed("live", Leaf(noopHandler), true)
	assert.Equal(t, nil, err)

	// removal clears the overwrite allowance
	registry.remove("%live")
	_, err = registry.addNamed("live", Leaf(noopHandler), false)
	assert.Equal(t, nil, err)
	_, err = registry.addNamed("live", Leaf(noopHandler), true)
	assert.NotEqual(t, nil, err)
}
