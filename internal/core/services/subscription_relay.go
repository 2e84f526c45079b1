package services

import (
	"sort"
	"sync"

	"undercover/internal/core/domain"
	"undercover/internal/core/ports"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Deliverer is the part of the session registry the relay needs.
type Deliverer interface {
	Deliver(user domain.UserID, env domain.Envelope) bool
}

// SubscriptionRelay fans externally published events out to subscribed users.
// It only pushes to local sessions and never publishes outward.
type SubscriptionRelay struct {
	mu          sync.RWMutex
	subscribers map[domain.UserID]struct{}

	sessions Deliverer
	logger   *zap.SugaredLogger
}

var _ ports.SubscriptionRelay = (*SubscriptionRelay)(nil)

func NewSubscriptionRelay(sessions Deliverer, logger *zap.SugaredLogger) *SubscriptionRelay {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SubscriptionRelay{
		subscribers: make(map[domain.UserID]struct{}),
		sessions:    sessions,
		logger:      logger,
	}
}

func (r *SubscriptionRelay) Subscribe(user domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[user] = struct{}{}
}

func (r *SubscriptionRelay) Unsubscribe(user domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, user)
}

func (r *SubscriptionRelay) IsSubscribed(user domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subscribers[user]
	return ok
}

func (r *SubscriptionRelay) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// PublishToSubscribers delivers env to every subscriber and returns the number
// of live deliveries. A failed delivery never stops the fan-out.
func (r *SubscriptionRelay) PublishToSubscribers(env domain.Envelope) int {
	r.mu.RLock()
	users := lo.Keys(r.subscribers)
	r.mu.RUnlock()
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	delivered := 0
	for _, user := range users {
		if r.sessions.Deliver(user, env) {
			delivered++
		}
	}
	r.logger.Debugw("Relayed event to subscribers", "type", env.Type, "subscribers", len(users), "delivered", delivered)
	return delivered
}

// DeliverTo pushes a user-targeted event, such as a personal score update.
func (r *SubscriptionRelay) DeliverTo(user domain.UserID, env domain.Envelope) bool {
	return r.sessions.Deliver(user, env)
}
