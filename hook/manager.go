package hook

import (
	"sync"
	"sync/atomic"

	"github.com/ironvale/iotcore/encoding"
)

// Manager manages the registration and invocation of hooks. The broker
// holds exactly one, reached through Registries.Hooks, and dispatches the
// five events the reduced plugin surface exposes (see hook.go) to every
// registered Hook in registration order.
type Manager struct {
	mu       sync.Mutex
	hooksPtr atomic.Pointer[[]Hook]
	index    map[string]int
}

// NewManager creates a new hooks manager
func NewManager() *Manager {
	m := &Manager{
		index: make(map[string]int),
	}
	hooks := make([]Hook, 0)
	m.hooksPtr.Store(&hooks)
	return m
}

// Add adds a hook to the manager
// Returns an error if a hook with the same ID already exists
func (m *Manager) Add(hook Hook) error {
	if hook == nil {
		return ErrEmptyHookID
	}

	id := hook.ID()
	if id == "" {
		return ErrEmptyHookID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.index[id]; exists {
		return ErrHookAlreadyExists
	}

	// Copy-on-write: create new slice with added hook
	oldHooks := *m.hooksPtr.Load()
	newHooks := make([]Hook, len(oldHooks)+1)
	copy(newHooks, oldHooks)
	newHooks[len(oldHooks)] = hook

	m.index[id] = len(oldHooks)
	m.hooksPtr.Store(&newHooks)

	return nil
}

// Remove removes a hook by its ID
// Returns an error if the hook is not found
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, exists := m.index[id]
	if !exists {
		return ErrHookNotFound
	}

	// Copy-on-write: create new slice without removed hook
	oldHooks := *m.hooksPtr.Load()
	newHooks := make([]Hook, len(oldHooks)-1)
	copy(newHooks[:idx], oldHooks[:idx])
	copy(newHooks[idx:], oldHooks[idx+1:])

	delete(m.index, id)

	// Rebuild index for hooks after removed position
	for i := idx; i < len(newHooks); i++ {
		m.index[newHooks[i].ID()] = i
	}

	m.hooksPtr.Store(&newHooks)

	return nil
}

// Get retrieves a hook by its ID
func (m *Manager) Get(id string) (Hook, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, exists := m.index[id]
	if !exists {
		return nil, false
	}

	hooks := *m.hooksPtr.Load()
	return hooks[idx], true
}

// List returns a copy of all registered hooks
func (m *Manager) List() []Hook {
	hooks := *m.hooksPtr.Load()
	result := make([]Hook, len(hooks))
	copy(result, hooks)
	return result
}

// Count returns the number of registered hooks
func (m *Manager) Count() int {
	hooks := *m.hooksPtr.Load()
	return len(hooks)
}

// Clear removes all hooks
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldHooks := *m.hooksPtr.Load()
	for _, h := range oldHooks {
		_ = h.Stop()
	}

	newHooks := make([]Hook, 0)
	m.hooksPtr.Store(&newHooks)
	m.index = make(map[string]int)
}

// OnConnectAuthenticate invokes every hook that provides
// OnConnectAuthenticate, rejecting the CONNECT as soon as one returns
// false. This is iotcore's single authorize() point: no hook registered
// means every CONNECT is accepted.
func (m *Manager) OnConnectAuthenticate(client *Client, packet *ConnectPacket) bool {
	hooks := *m.hooksPtr.Load()

	for _, hook := range hooks {
		if hook.Provides(OnConnectAuthenticate) {
			if !hook.OnConnectAuthenticate(client, packet) {
				return false
			}
		}
	}
	return true
}

// OnDisconnect invokes all OnDisconnect hooks
func (m *Manager) OnDisconnect(client *Client, err error, expire bool) {
	hooks := *m.hooksPtr.Load()

	for _, hook := range hooks {
		if hook.Provides(OnDisconnect) {
			_ = hook.OnDisconnect(client, err, expire)
		}
	}
}

// OnPublish invokes all OnPublish hooks, stopping at the first error so a
// rejecting hook (e.g. a rate limiter) can veto the publish.
func (m *Manager) OnPublish(client *Client, packet *PublishPacket) error {
	hooks := *m.hooksPtr.Load()

	for _, hook := range hooks {
		if hook.Provides(OnPublish) {
			if err := hook.OnPublish(client, packet); err != nil {
				return err
			}
		}
	}
	return nil
}

// OnPublishDropped invokes all OnPublishDropped hooks
func (m *Manager) OnPublishDropped(client *Client, packet *PublishPacket, reason DropReason) {
	hooks := *m.hooksPtr.Load()

	for _, hook := range hooks {
		if hook.Provides(OnPublishDropped) {
			_ = hook.OnPublishDropped(client, packet, reason)
		}
	}
}

// OnPacketProcessed invokes all OnPacketProcessed hooks
func (m *Manager) OnPacketProcessed(client *Client, packetType encoding.PacketType, err error) {
	hooks := *m.hooksPtr.Load()

	for _, hook := range hooks {
		if hook.Provides(OnPacketProcessed) {
			_ = hook.OnPacketProcessed(client, packetType, err)
		}
	}
}
