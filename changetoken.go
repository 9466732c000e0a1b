package unifs

import (
	"sync"
	"sync/atomic"
)

// CallbackChangeToken is a ChangeToken fired by native change events.
type CallbackChangeToken struct {
	mu        sync.Mutex
	changed   atomic.Bool
	done      chan struct{}
	callbacks map[int]func()
	nextID    int
}

// NewCallbackChangeToken creates an unfired token.
func NewCallbackChangeToken() *CallbackChangeToken {
	return &CallbackChangeToken{
		done:      make(chan struct{}),
		callbacks: make(map[int]func()),
	}
}

func (t *CallbackChangeToken) HasChanged() bool {
	return t.changed.Load()
}

func (t *CallbackChangeToken) ActiveChangeCallbacks() bool {
	return true
}

// Done is closed when the token fires.
func (t *CallbackChangeToken) Done() <-chan struct{} {
	return t.done
}

// RegisterChangeCallback registers callback. If the token has already fired
// the callback runs immediately.
func (t *CallbackChangeToken) RegisterChangeCallback(callback func()) (unregister func()) {
	t.mu.Lock()
	if t.changed.Load() {
		t.mu.Unlock()
		callback()
		return func() {}
	}
	id := t.nextID
	t.nextID++
	t.callbacks[id] = callback
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.callbacks, id)
		t.mu.Unlock()
	}
}

// SignalChange fires the token once and invokes the registered callbacks.
func (t *CallbackChangeToken) SignalChange() {
	t.mu.Lock()
	if t.changed.Swap(true) {
		t.mu.Unlock()
		return
	}
	close(t.done)
	callbacks := make([]func(), 0, len(t.callbacks))
	for _, cb := range t.callbacks {
		callbacks = append(callbacks, cb)
	}
	t.callbacks = nil
	t.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}
