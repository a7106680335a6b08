package state

import (
	"context"
	"sync"
	"time"

	"signalos-core/pkg/db"
)

// SignalStatus is the current pipeline position of one signal.
type SignalStatus struct {
	SignalID  string    `json:"signal_id"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manager keeps an in-memory view of signal progress and open broker
// tickets while the durable record lives in the DB. It doubles as the
// ticket registry consulted by validation for management commands.
type Manager struct {
	mu       sync.RWMutex
	statuses map[string]SignalStatus
	tickets  map[string]string // broker ticket -> command_id
	queries  *db.Queries
}

func NewManager(queries *db.Queries) *Manager {
	return &Manager{
		queries:  queries,
		statuses: make(map[string]SignalStatus),
		tickets:  make(map[string]string),
	}
}

// Load seeds the ticket registry from persisted commands on startup.
func (m *Manager) Load(ctx context.Context) error {
	if m.queries == nil {
		return nil
	}
	cmds, err := m.queries.TicketedCommands(ctx, 500)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cmds {
		m.tickets[c.BackendRef] = c.CommandID
	}
	return nil
}

// SetStatus records the latest stage a signal reached.
func (m *Manager) SetStatus(signalID, stage, status, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[signalID] = SignalStatus{
		SignalID:  signalID,
		Stage:     stage,
		Status:    status,
		Detail:    detail,
		UpdatedAt: time.Now().UTC(),
	}
}

// Status returns the latest snapshot for a signal.
func (m *Manager) Status(signalID string) (SignalStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[signalID]
	return s, ok
}

// Statuses returns a snapshot of every tracked signal.
func (m *Manager) Statuses() []SignalStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]SignalStatus, 0, len(m.statuses))
	for _, s := range m.statuses {
		res = append(res, s)
	}
	return res
}

// RegisterTicket associates a broker ticket with the command that opened it.
func (m *Manager) RegisterTicket(ticket, commandID string) {
	if ticket == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets[ticket] = commandID
}

// ReleaseTicket drops a ticket after the position is closed or cancelled.
func (m *Manager) ReleaseTicket(ticket string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tickets, ticket)
}

// KnownTicket reports whether a broker ticket is tracked. Management
// commands referencing unknown tickets fail validation.
func (m *Manager) KnownTicket(ticket string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tickets[ticket]
	return ok
}

// CommandForTicket resolves the command that opened a ticket.
func (m *Manager) CommandForTicket(ticket string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.tickets[ticket]
	return id, ok
}
