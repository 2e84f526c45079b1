package services

import (
	"sort"
	"sync"
	"time"

	"undercover/internal/core/domain"
	"undercover/internal/core/ports"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Rejection reasons returned by CanSend and ProcessMessage.
const (
	ReasonBanned        = "banned"
	ReasonObserver      = "observer cannot send"
	ReasonRoomMuted     = "room muted"
	ReasonVotingPhase   = "chat is disabled during the voting phase"
	ReasonResultPhase   = "chat is disabled while results are announced"
	ReasonEmptyFiltered = "empty after filtering"

	WarningFiltered = "message contained banned words and was filtered"
)

type ChatConfig struct {
	MaxMessageLength int
	Cooldown         time.Duration
	MaxPerMinute     int
	HistorySize      int
	BannedPhrases    []string
}

// roomState is the moderation state of one room. It outlives membership.
type roomState struct {
	mu         sync.Mutex
	phase      domain.RoomPhase
	muted      bool
	moderators map[domain.UserID]struct{}
	eliminated map[domain.UserID]struct{}
	history    *messageRing

	// removed is set once the state has left the rooms map
	removed bool
}

// ChatModerator owns per-room phase, mute, moderator and history state plus
// the global user permissions and rate limits.
// Lock order: room, then permissions, then the rate limiter.
type ChatModerator struct {
	roomsMu sync.Mutex
	rooms   map[domain.RoomID]*roomState

	permMu      sync.RWMutex
	permissions map[domain.UserID]domain.Permission

	filter      *ContentFilter
	limiter     *RateLimiter
	historySize int

	logger *zap.SugaredLogger
	now    func() time.Time
	newID  func() string
}

var _ ports.ChatModerator = (*ChatModerator)(nil)

func NewChatModerator(cfg ChatConfig, logger *zap.SugaredLogger) (*ChatModerator, error) {
	filter, err := NewContentFilter(cfg.MaxMessageLength, cfg.BannedPhrases)
	if err != nil {
		return nil, err
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &ChatModerator{
		rooms:       make(map[domain.RoomID]*roomState),
		permissions: make(map[domain.UserID]domain.Permission),
		filter:      filter,
		limiter:     NewRateLimiter(cfg.Cooldown, cfg.MaxPerMinute),
		historySize: cfg.HistorySize,
		logger:      logger,
		now:         time.Now,
		newID:       uuid.NewString,
	}, nil
}

func (m *ChatModerator) newRoomState() *roomState {
	return &roomState{
		phase:      domain.PhaseWaiting,
		moderators: make(map[domain.UserID]struct{}),
		eliminated: make(map[domain.UserID]struct{}),
		history:    newMessageRing(m.historySize),
	}
}

// acquire returns the locked state for id, creating it with defaults. A state
// pruned or cleared between lookup and lock is skipped for its successor.
func (m *ChatModerator) acquire(id domain.RoomID) *roomState {
	for {
		m.roomsMu.Lock()
		st, ok := m.rooms[id]
		if !ok {
			st = m.newRoomState()
			m.rooms[id] = st
		}
		m.roomsMu.Unlock()

		st.mu.Lock()
		if !st.removed {
			return st
		}
		st.mu.Unlock()
	}
}

// pristine reports whether st holds nothing a fresh state would not. Callers
// hold st.mu.
func (st *roomState) pristine() bool {
	return st.phase == domain.PhaseWaiting &&
		!st.muted &&
		len(st.moderators) == 0 &&
		len(st.eliminated) == 0 &&
		st.history.size() == 0
}

// lookup returns the state for id or nil; reads never create rooms.
func (m *ChatModerator) lookup(id domain.RoomID) *roomState {
	m.roomsMu.Lock()
	defer m.roomsMu.Unlock()
	return m.rooms[id]
}

// CanSend reports whether user may chat in room right now, and why not.
func (m *ChatModerator) CanSend(room domain.RoomID, user domain.UserID) (bool, string) {
	st := m.lookup(room)
	if st == nil {
		st = m.newRoomState()
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if reason := m.gateLocked(st, user); reason != "" {
		return false, reason
	}
	if reason := m.limiter.Check(user, m.now()); reason != "" {
		return false, reason
	}
	return true, ""
}

// gateLocked applies the permission, mute and phase checks in priority order.
func (m *ChatModerator) gateLocked(st *roomState, user domain.UserID) string {
	switch m.Permission(user) {
	case domain.PermissionBanned:
		return ReasonBanned
	case domain.PermissionObserver:
		return ReasonObserver
	}

	if _, mod := st.moderators[user]; st.muted && !mod {
		return ReasonRoomMuted
	}

	switch st.phase {
	case domain.PhaseVoting:
		return ReasonVotingPhase
	case domain.PhaseResult:
		return ReasonResultPhase
	}
	return ""
}

func (m *ChatModerator) FilterContent(text string) (string, bool) {
	return m.filter.Filter(text)
}

// ProcessMessage moderates and records one chat send. Rejections mutate nothing.
func (m *ChatModerator) ProcessMessage(room domain.RoomID, user domain.UserID, text string) domain.ChatResult {
	st := m.acquire(room)
	defer st.mu.Unlock()

	if reason := m.gateLocked(st, user); reason != "" {
		return domain.ChatResult{Reason: reason}
	}

	now := m.now()
	var result domain.ChatResult
	reason := m.limiter.Attempt(user, now, func() bool {
		content, masked := m.filter.Filter(text)
		if content == "" {
			result = domain.ChatResult{Reason: ReasonEmptyFiltered}
			return false
		}

		_, eliminated := st.eliminated[user]
		_, moderator := st.moderators[user]
		msg := domain.ChatMessage{
			ID:           m.newID(),
			RoomID:       room,
			SenderID:     user,
			Content:      content,
			Timestamp:    now.UTC(),
			Type:         domain.TypeChatMessage,
			Filtered:     masked,
			IsEliminated: eliminated,
			IsModerator:  moderator,
		}
		st.history.push(msg)

		result = domain.ChatResult{Success: true, Message: &msg}
		if masked {
			result.Warning = WarningFiltered
			m.logger.Warnw("Message contained banned words", "room_id", room, "user_id", user)
		}
		return true
	})
	if reason != "" {
		return domain.ChatResult{Reason: reason}
	}
	return result
}

// SetPhase overwrites the room phase. Any phase may follow any other.
func (m *ChatModerator) SetPhase(room domain.RoomID, phase domain.RoomPhase) {
	st := m.acquire(room)
	previous := st.phase
	st.phase = phase
	st.mu.Unlock()

	m.logger.Infow("Room phase changed", "room_id", room, "from", previous, "to", phase)
}

func (m *ChatModerator) Phase(room domain.RoomID) domain.RoomPhase {
	st := m.lookup(room)
	if st == nil {
		return domain.PhaseWaiting
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.phase
}

// Eliminate records user as eliminated in room and forces observer permission.
// It is idempotent and cannot be undone.
func (m *ChatModerator) Eliminate(room domain.RoomID, user domain.UserID) {
	st := m.acquire(room)
	defer st.mu.Unlock()

	st.eliminated[user] = struct{}{}
	m.SetPermission(user, domain.PermissionObserver)
}

func (m *ChatModerator) IsEliminated(room domain.RoomID, user domain.UserID) bool {
	st := m.lookup(room)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.eliminated[user]
	return ok
}

func (m *ChatModerator) SetPermission(user domain.UserID, p domain.Permission) {
	m.permMu.Lock()
	defer m.permMu.Unlock()
	m.permissions[user] = p
}

func (m *ChatModerator) Permission(user domain.UserID) domain.Permission {
	m.permMu.RLock()
	defer m.permMu.RUnlock()
	if p, ok := m.permissions[user]; ok {
		return p
	}
	return domain.PermissionFull
}

func (m *ChatModerator) SetMute(room domain.RoomID, muted bool) {
	st := m.acquire(room)
	defer st.mu.Unlock()
	st.muted = muted
}

func (m *ChatModerator) IsMuted(room domain.RoomID) bool {
	st := m.lookup(room)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.muted
}

func (m *ChatModerator) AddModerator(room domain.RoomID, user domain.UserID) {
	st := m.acquire(room)
	defer st.mu.Unlock()
	st.moderators[user] = struct{}{}
}

func (m *ChatModerator) RemoveModerator(room domain.RoomID, user domain.UserID) {
	st := m.lookup(room)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.moderators, user)
}

func (m *ChatModerator) IsModerator(room domain.RoomID, user domain.UserID) bool {
	st := m.lookup(room)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.moderators[user]
	return ok
}

// History returns up to limit of the newest messages, oldest first.
// A limit <= 0 returns everything kept.
func (m *ChatModerator) History(room domain.RoomID, limit int) []domain.ChatMessage {
	st := m.lookup(room)
	if st == nil {
		return []domain.ChatMessage{}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.history.last(limit)
}

func (m *ChatModerator) RoomStats(room domain.RoomID) domain.RoomChatStats {
	stats := domain.RoomChatStats{
		RoomID:            room,
		Phase:             domain.PhaseWaiting,
		EliminatedPlayers: []domain.UserID{},
		Moderators:        []domain.UserID{},
	}

	st := m.lookup(room)
	if st == nil {
		return stats
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	stats.Phase = st.phase
	stats.IsMuted = st.muted
	stats.MessageCount = st.history.size()
	stats.EliminatedPlayers = sortedUsers(st.eliminated)
	stats.Moderators = sortedUsers(st.moderators)
	if newest, ok := st.history.newest(); ok {
		ts := newest.Timestamp
		stats.LastMessageTime = &ts
	}
	return stats
}

// ClearRoom drops all moderation state of room. Only an explicit admin reset
// calls this; rooms are never cleared when they empty.
func (m *ChatModerator) ClearRoom(room domain.RoomID) {
	m.roomsMu.Lock()
	st := m.rooms[room]
	delete(m.rooms, room)
	m.roomsMu.Unlock()

	if st != nil {
		st.mu.Lock()
		st.removed = true
		st.mu.Unlock()
	}

	m.logger.Infow("Cleared chat data for room", "room_id", room)
}

// PruneIdleRooms drops the state of rooms that have no members and still
// hold only defaults. Rooms with history, moderators or settings are kept.
func (m *ChatModerator) PruneIdleRooms(occupied func(domain.RoomID) bool) int {
	m.roomsMu.Lock()
	defer m.roomsMu.Unlock()

	pruned := 0
	for id, st := range m.rooms {
		if occupied(id) || !st.mu.TryLock() {
			continue
		}
		if st.pristine() {
			st.removed = true
			delete(m.rooms, id)
			pruned++
		}
		st.mu.Unlock()
	}
	return pruned
}

// PruneRateLimits forgets rate-limit entries that can no longer reject anyone.
func (m *ChatModerator) PruneRateLimits() int {
	return m.limiter.Prune(m.now())
}

func sortedUsers(set map[domain.UserID]struct{}) []domain.UserID {
	users := lo.Keys(set)
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// messageRing keeps the newest capacity messages.
type messageRing struct {
	buf   []domain.ChatMessage
	start int
	count int
}

func newMessageRing(capacity int) *messageRing {
	return &messageRing{buf: make([]domain.ChatMessage, capacity)}
}

func (r *messageRing) push(msg domain.ChatMessage) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = msg
		r.count++
		return
	}
	r.buf[r.start] = msg
	r.start = (r.start + 1) % len(r.buf)
}

func (r *messageRing) size() int { return r.count }

func (r *messageRing) newest() (domain.ChatMessage, bool) {
	if r.count == 0 {
		return domain.ChatMessage{}, false
	}
	return r.buf[(r.start+r.count-1)%len(r.buf)], true
}

func (r *messageRing) last(limit int) []domain.ChatMessage {
	n := r.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.ChatMessage, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+r.count-n+i)%len(r.buf)]
	}
	return out
}
