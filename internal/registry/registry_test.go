package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeSession struct {
	id         string
	superseded bool
}

func (f *fakeSession) ClientID() string { return f.id }
func (f *fakeSession) Supersede()       { f.superseded = true }

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	s := &fakeSession{id: "device-1"}

	prev := r.Register(s)
	assert.Nil(t, prev)

	got, ok := r.Lookup("device-1")
	assert.True(t, ok)
	assert.Same(t, s, got)
}

func TestRegisterSupersedesExisting(t *testing.T) {
	r := New()
	first := &fakeSession{id: "device-1"}
	second := &fakeSession{id: "device-1"}

	r.Register(first)
	prev := r.Register(second)

	assert.Same(t, first, prev)
	assert.True(t, first.superseded)

	got, ok := r.Lookup("device-1")
	assert.True(t, ok)
	assert.Same(t, second, got)
}

func TestRemoveOnlyDeletesMatchingSession(t *testing.T) {
	r := New()
	first := &fakeSession{id: "device-1"}
	second := &fakeSession{id: "device-1"}

	r.Register(first)
	r.Register(second)

	// A stale reference to the superseded session must not remove the
	// current binding.
	r.Remove("device-1", first)
	_, ok := r.Lookup("device-1")
	assert.True(t, ok)

	r.Remove("device-1", second)
	_, ok = r.Lookup("device-1")
	assert.False(t, ok)
}

func TestCountAndClientIDs(t *testing.T) {
	r := New()
	r.Register(&fakeSession{id: "device-1"})
	r.Register(&fakeSession{id: "device-2"})

	assert.Equal(t, 2, r.Count())
	assert.ElementsMatch(t, []string{"device-1", "device-2"}, r.ClientIDs())
}

// callbackSession mimics a real session's teardown: Supersede synchronously
// calls back into the same Registry, as internal/session.Session.close does
// via registry.Remove. Register must not hold its lock across Supersede, or
// this deadlocks.
type callbackSession struct {
	id       string
	registry *Registry
	removed  bool
}

func (c *callbackSession) ClientID() string { return c.id }
func (c *callbackSession) Supersede() {
	c.registry.Remove(c.id, c)
	c.removed = true
}

func TestRegisterDoesNotDeadlockOnSupersedeCallback(t *testing.T) {
	r := New()
	first := &callbackSession{id: "device-1", registry: r}
	r.Register(first)

	second := &callbackSession{id: "device-1", registry: r}

	done := make(chan struct{})
	go func() {
		r.Register(second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Register deadlocked when Supersede called back into the registry")
	}

	assert.True(t, first.removed)

	got, ok := r.Lookup("device-1")
	assert.True(t, ok)
	assert.Same(t, second, got)
}
