package services

import (
	"sort"
	"sync"
	"time"

	"undercover/internal/core/domain"
	"undercover/internal/core/ports"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Close reasons passed to transports.
const (
	ReasonReplaced         = "replaced by new connection"
	ReasonHeartbeatTimeout = "heartbeat timeout"
	ReasonTransportFailure = "transport failure"
	ReasonClientClosed     = "connection closed"
	ReasonShutdown         = "server shutdown"
	ReasonAdminCleanup     = "admin cleanup"
)

type session struct {
	user          domain.UserID
	transport     ports.Transport
	room          domain.RoomID
	createdAt     time.Time
	lastHeartbeat time.Time
	// ready is false while the offline queue is being flushed; deliveries
	// are queued behind the flush until it is set.
	ready bool
}

// SessionRegistry owns live sessions and the room index derived from them.
// Transport I/O is never performed while mu is held. Lock order: mu, then the queue.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[domain.UserID]*session
	rooms    map[domain.RoomID]map[domain.UserID]struct{}

	queue          *OfflineQueue
	maxConnections int
	metrics        ports.Metrics
	logger         *zap.SugaredLogger
	now            func() time.Time
}

var _ ports.SessionRegistry = (*SessionRegistry)(nil)

func NewSessionRegistry(maxConnections int, queue *OfflineQueue, metrics ports.Metrics, logger *zap.SugaredLogger) *SessionRegistry {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SessionRegistry{
		sessions:       make(map[domain.UserID]*session),
		rooms:          make(map[domain.RoomID]map[domain.UserID]struct{}),
		queue:          queue,
		maxConnections: maxConnections,
		metrics:        metrics,
		logger:         logger,
		now:            time.Now,
	}
}

// Admit binds t to user. It returns false only when the registry is full and
// the user has no session yet. A previous session is closed and its room is
// carried over unless room is non-empty. Queued envelopes are flushed after
// connection_established, in enqueue order, before Admit returns.
func (r *SessionRegistry) Admit(user domain.UserID, t ports.Transport, room domain.RoomID) bool {
	now := r.now()

	r.mu.Lock()
	old, exists := r.sessions[user]
	if !exists && len(r.sessions) >= r.maxConnections {
		r.mu.Unlock()
		r.metrics.AdmissionRejected("capacity")
		r.logger.Warnw("Connection limit reached", "user_id", user, "max_connections", r.maxConnections)
		return false
	}

	var previous domain.RoomID
	if exists {
		previous = old.room
		r.detachLocked(old)
	}
	target := room
	if target == "" {
		target = previous
	}

	s := &session{
		user:          user,
		transport:     t,
		room:          target,
		createdAt:     now,
		lastHeartbeat: now,
	}
	r.sessions[user] = s
	if target != "" {
		r.attachLocked(s, target)
	}
	r.mu.Unlock()

	if exists {
		r.closeTransport(old, ReasonReplaced)
		r.metrics.SessionRemoved(ReasonReplaced)
		if previous != "" && target != previous {
			r.Broadcast(previous, presenceEnvelope(domain.TypeUserLeft, user, previous, now), user)
		}
	}
	r.metrics.SessionAdmitted()
	r.logger.Infow("User connected", "user_id", user, "room_id", target, "replaced", exists)

	established := domain.NewEnvelope(domain.TypeConnectionEstablished, map[string]interface{}{
		"user_id":   user,
		"room_id":   target,
		"timestamp": now.UTC(),
	})
	if err := t.WriteJSON(established); err != nil {
		r.logger.Warnw("Failed to send connection_established", "user_id", user, "error", err)
		r.teardown(s, ReasonTransportFailure)
		return true
	}

	r.flush(s)

	if room != "" && room != previous {
		r.Broadcast(room, presenceEnvelope(domain.TypeUserJoined, user, room, now), user)
	}
	return true
}

// flush drains the offline queue into s until the queue is observed empty
// under the registry lock, at which point s starts taking direct deliveries.
func (r *SessionRegistry) flush(s *session) {
	for {
		batch := r.queue.DrainAll(s.user)
		if len(batch) == 0 {
			r.mu.Lock()
			if r.sessions[s.user] != s {
				r.mu.Unlock()
				return
			}
			if r.queue.Len(s.user) == 0 {
				s.ready = true
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
			continue
		}

		for i, env := range batch {
			if err := s.transport.WriteJSON(env); err != nil {
				r.queue.Requeue(s.user, batch[i:])
				r.logger.Warnw("Offline queue flush failed", "user_id", s.user, "remaining", len(batch)-i, "error", err)
				r.teardown(s, ReasonTransportFailure)
				return
			}
			r.metrics.Delivered(true)
		}
		r.logger.Debugw("Flushed offline messages", "user_id", s.user, "count", len(batch))
	}
}

// Remove closes and forgets the user's session. Unknown users are ignored.
func (r *SessionRegistry) Remove(user domain.UserID, reason string) {
	r.mu.RLock()
	s := r.sessions[user]
	r.mu.RUnlock()
	if s != nil {
		r.teardown(s, reason)
	}
}

// Release removes the user's session only while t is still its transport,
// so a replaced connection cannot evict its successor.
func (r *SessionRegistry) Release(user domain.UserID, t ports.Transport, reason string) bool {
	r.mu.RLock()
	s := r.sessions[user]
	r.mu.RUnlock()
	if s == nil || s.transport != t {
		return false
	}
	return r.teardown(s, reason)
}

// teardown removes s if it is still the user's current session, closes its
// transport and tells the rest of its room.
func (r *SessionRegistry) teardown(s *session, reason string) bool {
	r.mu.Lock()
	if r.sessions[s.user] != s {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, s.user)
	room := s.room
	r.detachLocked(s)
	r.mu.Unlock()

	r.closeTransport(s, reason)
	r.metrics.SessionRemoved(reason)
	r.logger.Infow("User disconnected", "user_id", s.user, "room_id", room, "reason", reason)

	if room != "" {
		r.Broadcast(room, presenceEnvelope(domain.TypeUserLeft, s.user, room, r.now()), s.user)
	}
	return true
}

func (r *SessionRegistry) closeTransport(s *session, reason string) {
	if err := s.transport.Close(reason); err != nil {
		r.logger.Debugw("Transport close failed", "user_id", s.user, "reason", reason, "error", err)
	}
}

// Deliver writes env to the user's live transport. Without one, or when the
// write fails, env is queued and false is returned; a failed write also tears
// the session down.
func (r *SessionRegistry) Deliver(user domain.UserID, env domain.Envelope) bool {
	r.mu.RLock()
	s := r.sessions[user]
	if s == nil || !s.ready {
		// enqueue under the read lock so a concurrent flush cannot miss it
		r.queue.Enqueue(user, env)
		r.mu.RUnlock()
		r.metrics.Delivered(false)
		return false
	}
	t := s.transport
	r.mu.RUnlock()

	if err := t.WriteJSON(env); err != nil {
		r.queue.Enqueue(user, env)
		r.metrics.Delivered(false)
		r.logger.Warnw("Delivery failed, session degraded to offline", "user_id", user, "type", env.Type, "error", err)
		r.teardown(s, ReasonTransportFailure)
		return false
	}
	r.metrics.Delivered(true)
	return true
}

// Broadcast delivers env to a snapshot of the room's members except exclude
// and returns the number of live deliveries.
func (r *SessionRegistry) Broadcast(room domain.RoomID, env domain.Envelope, exclude domain.UserID) int {
	members := r.MembersOf(room)

	delivered := 0
	for _, user := range members {
		if user == exclude {
			continue
		}
		if r.Deliver(user, env) {
			delivered++
		}
	}
	return delivered
}

func (r *SessionRegistry) Heartbeat(user domain.UserID) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[user]; ok {
		s.lastHeartbeat = now
	}
}

// SweepInactive evicts sessions whose last heartbeat is older than maxIdle.
func (r *SessionRegistry) SweepInactive(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)

	r.mu.RLock()
	stale := lo.Filter(lo.Values(r.sessions), func(s *session, _ int) bool {
		return s.lastHeartbeat.Before(cutoff)
	})
	r.mu.RUnlock()

	evicted := 0
	for _, s := range stale {
		if r.teardown(s, ReasonHeartbeatTimeout) {
			evicted++
		}
	}
	if evicted > 0 {
		r.logger.Infow("Swept inactive sessions", "count", evicted, "max_idle", maxIdle)
	}
	return evicted
}

// JoinRoom moves the user into room, leaving any previous room first.
func (r *SessionRegistry) JoinRoom(user domain.UserID, room domain.RoomID) bool {
	if room == "" {
		return false
	}

	r.mu.Lock()
	s, ok := r.sessions[user]
	if !ok {
		r.mu.Unlock()
		r.logger.Warnw("User not connected, cannot join room", "user_id", user, "room_id", room)
		return false
	}
	previous := s.room
	if previous == room {
		r.mu.Unlock()
		return true
	}
	r.detachLocked(s)
	r.attachLocked(s, room)
	r.mu.Unlock()

	now := r.now()
	if previous != "" {
		r.Broadcast(previous, presenceEnvelope(domain.TypeUserLeft, user, previous, now), user)
	}
	r.Broadcast(room, presenceEnvelope(domain.TypeUserJoined, user, room, now), user)
	r.logger.Infow("User joined room", "user_id", user, "room_id", room)
	return true
}

// LeaveRoom drops the user's membership of room. Empty rooms disappear.
func (r *SessionRegistry) LeaveRoom(user domain.UserID, room domain.RoomID) bool {
	r.mu.Lock()
	s, ok := r.sessions[user]
	if !ok || s.room == "" || s.room != room {
		r.mu.Unlock()
		return false
	}
	r.detachLocked(s)
	r.mu.Unlock()

	r.Broadcast(room, presenceEnvelope(domain.TypeUserLeft, user, room, r.now()), user)
	r.logger.Infow("User left room", "user_id", user, "room_id", room)
	return true
}

func (r *SessionRegistry) RoomOf(user domain.UserID) (domain.RoomID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[user]
	if !ok || s.room == "" {
		return "", false
	}
	return s.room, true
}

func (r *SessionRegistry) IsConnected(user domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[user]
	return ok
}

// MembersOf returns a sorted snapshot of the room's members.
func (r *SessionRegistry) MembersOf(room domain.RoomID) []domain.UserID {
	r.mu.RLock()
	members := lo.Keys(r.rooms[room])
	r.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members
}

func (r *SessionRegistry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *SessionRegistry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *SessionRegistry) MaxConnections() int {
	return r.maxConnections
}

func (r *SessionRegistry) Stats() domain.ConnectionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return domain.ConnectionStats{
		ActiveConnections: len(r.sessions),
		ActiveRooms:       len(r.rooms),
		MaxConnections:    r.maxConnections,
	}
}

// Close closes every transport. Used on shutdown.
func (r *SessionRegistry) Close() {
	r.mu.Lock()
	sessions := lo.Values(r.sessions)
	r.sessions = make(map[domain.UserID]*session)
	r.rooms = make(map[domain.RoomID]map[domain.UserID]struct{})
	r.mu.Unlock()

	for _, s := range sessions {
		r.closeTransport(s, ReasonShutdown)
	}
}

func (r *SessionRegistry) attachLocked(s *session, room domain.RoomID) {
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[domain.UserID]struct{})
		r.rooms[room] = members
	}
	members[s.user] = struct{}{}
	s.room = room
}

func (r *SessionRegistry) detachLocked(s *session) {
	if s.room == "" {
		return
	}
	if members, ok := r.rooms[s.room]; ok {
		delete(members, s.user)
		if len(members) == 0 {
			delete(r.rooms, s.room)
		}
	}
	s.room = ""
}

func presenceEnvelope(msgType string, user domain.UserID, room domain.RoomID, at time.Time) domain.Envelope {
	return domain.NewEnvelope(msgType, map[string]interface{}{
		"user_id":   user,
		"room_id":   room,
		"timestamp": at.UTC(),
	})
}
