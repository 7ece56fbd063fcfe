// Package session implements the session table, the running-datastore lock,
// admission control and the global/per-session statistics the state
// publisher exposes.
package session

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alliedtelesis/apteryx-netconf/internal/identity"
	"github.com/alliedtelesis/apteryx-netconf/internal/ncerr"
)

// DefaultMaxSessions is used when no configured bound is supplied.
const DefaultMaxSessions = 4

// MinMaxSessions and MaxMaxSessions bound the configurable admission limit.
const (
	MinMaxSessions = 1
	MaxMaxSessions = 10
)

// Conn is the half of a transport a session needs: byte I/O plus the
// ability to close it outright. Front-ends whose connections also support a
// clean half-close (most stream sockets) should additionally implement
// HalfCloser so kill-session and the inactive-status watch can shut the
// stream down without racing the victim's own close.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// HalfCloser is implemented by connections that can shut down read and
// write independently, e.g. *net.TCPConn.
type HalfCloser interface {
	CloseRead() error
	CloseWrite() error
}

// Counters are the per-session statistics mutated only by the owning
// worker and read by the publisher under the manager's mutex.
type Counters struct {
	InRPCs           uint64
	InBadRPCs        uint64
	OutRPCErrors     uint64
	OutNotifications uint64
}

// Session is one live NETCONF connection.
type Session struct {
	ID        uint32
	Peer      identity.Peer
	LoginTime time.Time
	Conn      Conn

	Counters Counters
}

// IncrementInRPCs records a successfully dispatched RPC.
func (s *Session) IncrementInRPCs() { atomic.AddUint64(&s.Counters.InRPCs, 1) }

// IncrementInBadRPCs records an RPC that failed before or during dispatch.
func (s *Session) IncrementInBadRPCs() { atomic.AddUint64(&s.Counters.InBadRPCs, 1) }

// IncrementOutRPCErrors records an <rpc-error> reply sent to this session.
func (s *Session) IncrementOutRPCErrors() { atomic.AddUint64(&s.Counters.OutRPCErrors, 1) }

// IncrementOutNotifications records a notification sent to this session.
func (s *Session) IncrementOutNotifications() { atomic.AddUint64(&s.Counters.OutNotifications, 1) }

// snapshot returns a value copy of the counters, safe to read concurrently
// with the atomic increments above.
func (s *Session) snapshot() Counters {
	return Counters{
		InRPCs:           atomic.LoadUint64(&s.Counters.InRPCs),
		InBadRPCs:        atomic.LoadUint64(&s.Counters.InBadRPCs),
		OutRPCErrors:     atomic.LoadUint64(&s.Counters.OutRPCErrors),
		OutNotifications: atomic.LoadUint64(&s.Counters.OutNotifications),
	}
}

// Record is a read-only snapshot of one session, as the publisher needs it.
type Record struct {
	ID       uint32
	Peer     identity.Peer
	LoginAt  time.Time
	IsLocked bool
	Counters Counters
}

// GlobalStats are the process-wide totals.
type GlobalStats struct {
	StartTime       time.Time
	InBadHellos     uint64
	InSessions      uint64
	DroppedSessions uint64

	TotalInRPCs           uint64
	TotalInBadRPCs        uint64
	TotalOutRPCErrors     uint64
	TotalOutNotifications uint64
}

// GlobalSnapshot is a value copy of GlobalStats, safe to read without the
// manager's mutex.
type GlobalSnapshot = GlobalStats

// Manager owns the session table, the running-datastore lock and the
// global counters, all protected by one mutex.
type Manager struct {
	mu          sync.Mutex
	sessions    map[uint32]*Session
	nextID      uint32
	maxSessions int
	lockOwner   uint32 // 0 means unlocked

	stats GlobalStats
}

// ErrTooManySessions is returned by Admit when the session table is full.
var ErrTooManySessions = ncerr.Newf(ncerr.TagResourceDenied, ncerr.TypeApp, "NETCONF: too many sessions")

// NewManager constructs a Manager with the given admission bound, clamped to
// [MinMaxSessions, MaxMaxSessions]; 0 selects DefaultMaxSessions.
func NewManager(maxSessions int) *Manager {
	if maxSessions == 0 {
		maxSessions = DefaultMaxSessions
	}
	if maxSessions < MinMaxSessions {
		maxSessions = MinMaxSessions
	}
	if maxSessions > MaxMaxSessions {
		maxSessions = MaxMaxSessions
	}
	return &Manager{
		sessions:    make(map[uint32]*Session),
		maxSessions: maxSessions,
		stats:       GlobalStats{StartTime: time.Now().UTC()},
	}
}

// SetMaxSessions updates the admission bound, clamped to [1,10]; used by the
// /netconf/config/max-sessions watch.
func (m *Manager) SetMaxSessions(n int) int {
	if n < MinMaxSessions {
		n = MinMaxSessions
	}
	if n > MaxMaxSessions {
		n = MaxMaxSessions
	}
	m.mu.Lock()
	m.maxSessions = n
	m.mu.Unlock()
	return n
}

// MaxSessions returns the current admission bound.
func (m *Manager) MaxSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxSessions
}

// Admit registers a new session for conn/peer, or refuses admission when the
// table is already at its bound.
func (m *Manager) Admit(conn Conn, peer identity.Peer) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.maxSessions {
		m.stats.DroppedSessions++
		return nil, ErrTooManySessions
	}

	id := m.allocateID()
	s := &Session{ID: id, Peer: peer, LoginTime: time.Now().UTC(), Conn: conn}
	m.sessions[id] = s
	m.stats.InSessions++
	return s, nil
}

// allocateID returns the next non-zero session ID not already in use.
// Callers must hold m.mu.
func (m *Manager) allocateID() uint32 {
	for {
		m.nextID++
		if m.nextID == 0 {
			m.nextID = 1
		}
		if _, inUse := m.sessions[m.nextID]; !inUse {
			return m.nextID
		}
	}
}

// Destroy removes s from the table and releases the running-datastore lock
// if s held it. It does not close s.Conn; callers own that.
func (m *Manager) Destroy(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s.ID)
	if m.lockOwner == s.ID {
		m.lockOwner = 0
	}
}

// Lookup returns the live session with the given id, or nil.
func (m *Manager) Lookup(id uint32) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Lock implements the lock manager's `lock` operation.
func (m *Manager) Lock(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockOwner != 0 {
		return ncerr.LockDenied(m.lockOwner)
	}
	m.lockOwner = s.ID
	return nil
}

// Unlock implements the lock manager's `unlock` operation.
func (m *Manager) Unlock(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockOwner == 0 {
		return ncerr.Newf(ncerr.TagOperationFailed, ncerr.TypeProtocol, "NETCONF: not locked")
	}
	if m.lockOwner != s.ID {
		return ncerr.LockDenied(m.lockOwner)
	}
	m.lockOwner = 0
	return nil
}

// IsLockedBy reports whether s currently owns the running-datastore lock.
func (m *Manager) IsLockedBy(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockOwner == s.ID
}

// LockHeldByOther reports whether the lock is held by a session other than
// s (the get-config/edit-config in-use check).
func (m *Manager) LockHeldByOther(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockOwner != 0 && m.lockOwner != s.ID
}

// LockOwner returns the current lock owner's session id, or 0.
func (m *Manager) LockOwner() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockOwner
}

// Kill implements kill-session: requester kills the session named by
// idStr. It never kills the requester itself, and a missing or self target
// is reported as invalid-value.
func (m *Manager) Kill(requester *Session, idStr string) error {
	id, ok := parseSessionID(idStr)
	if !ok || id == 0 {
		return ncerr.InvalidValue("NETCONF: invalid session-id")
	}
	if id == requester.ID {
		return ncerr.InvalidValue("NETCONF: cannot kill own session")
	}

	m.mu.Lock()
	target, found := m.sessions[id]
	m.mu.Unlock()
	if !found {
		return ncerr.InvalidValue("NETCONF: no such session")
	}

	halfClose(target.Conn)
	return nil
}

// Deactivate half-closes the session named by id, the same shutdown Kill
// applies to its target, but without a requester: this is how the publisher
// applies an external write of "inactive" to a session's status leaf,
// which carries no session-id-based self-kill restriction.
func (m *Manager) Deactivate(id uint32) {
	m.mu.Lock()
	target, found := m.sessions[id]
	m.mu.Unlock()
	if found {
		halfClose(target.Conn)
	}
}

// halfClose shuts a connection's read and write sides down if it supports
// that, falling back to a full close; the victim's own worker observes EOF
// and destroys itself through the normal path.
func halfClose(conn Conn) {
	if hc, ok := conn.(HalfCloser); ok {
		_ = hc.CloseRead()
		_ = hc.CloseWrite()
		return
	}
	_ = conn.Close()
}

// NoteBadHello increments the global in_bad_hellos counter.
func (m *Manager) NoteBadHello() {
	m.mu.Lock()
	m.stats.InBadHellos++
	m.mu.Unlock()
}

// NoteDroppedSession increments the global dropped_sessions counter,
// recording a session the dispatcher terminated itself because of a framing
// or envelope-parse failure - a short read, an oversized chunk, unparseable
// XML, or a missing <rpc> root, message-id, or operation element - rather
// than the peer disconnecting cleanly or being killed.
func (m *Manager) NoteDroppedSession() {
	m.mu.Lock()
	m.stats.DroppedSessions++
	m.mu.Unlock()
}

// NoteInRPC accounts a successfully dispatched RPC on both s and the global
// totals.
func (m *Manager) NoteInRPC(s *Session) {
	s.IncrementInRPCs()
	m.mu.Lock()
	m.stats.TotalInRPCs++
	m.mu.Unlock()
}

// NoteInBadRPC accounts a failed RPC on both s and the global totals.
func (m *Manager) NoteInBadRPC(s *Session) {
	s.IncrementInBadRPCs()
	m.mu.Lock()
	m.stats.TotalInBadRPCs++
	m.mu.Unlock()
}

// NoteOutRPCError accounts an <rpc-error> reply sent to s on both s and the
// global totals.
func (m *Manager) NoteOutRPCError(s *Session) {
	s.IncrementOutRPCErrors()
	m.mu.Lock()
	m.stats.TotalOutRPCErrors++
	m.mu.Unlock()
}

// NoteOutNotification accounts a notification sent to s.
func (m *Manager) NoteOutNotification(s *Session) {
	s.IncrementOutNotifications()
	m.mu.Lock()
	m.stats.TotalOutNotifications++
	m.mu.Unlock()
}

// Snapshot returns a consistent view of every live session plus the global
// statistics, for the state publisher.
func (m *Manager) Snapshot() ([]Record, GlobalSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]Record, 0, len(m.sessions))
	for _, s := range m.sessions {
		records = append(records, Record{
			ID:       s.ID,
			Peer:     s.Peer,
			LoginAt:  s.LoginTime,
			IsLocked: m.lockOwner == s.ID,
			Counters: s.snapshot(),
		})
	}
	return records, m.stats
}

// Count returns the number of currently live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func parseSessionID(s string) (uint32, bool) {
	if s == "" {
		return 0, false
	}
	var n uint64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + uint64(r-'0')
		if n > 0xffffffff {
			return 0, false
		}
	}
	return uint32(n), true
}
