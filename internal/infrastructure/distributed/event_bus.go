package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"undercover/internal/core/domain"
	"undercover/internal/core/ports"
	"undercover/pkg/retry"
	"undercover/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channels the leaderboard service publishes on.
const (
	ChannelRankChanges  = "leaderboard:rank_changes"
	ChannelUpdates      = "leaderboard:updates"
	ChannelScoreUpdates = "leaderboard:score_updates"
)

// maxBackoffStep keeps the exponent finite; MaxDelay caps the wait long before.
const maxBackoffStep = 30

var errSubscriptionClosed = errors.New("subscription closed")

// EventBus listens to leaderboard pub/sub channels and pushes each event
// into the subscription relay. It never publishes.
type EventBus struct {
	client   *redis.Client
	relay    ports.SubscriptionRelay
	ranks    RankInvalidator
	channels []string
	retry    retry.Config
	logger   *zap.SugaredLogger
}

// RankInvalidator forgets cached ranks; an empty user means everyone.
type RankInvalidator interface {
	Invalidate(user domain.UserID)
}

func NewEventBus(client *redis.Client, relay ports.SubscriptionRelay, logger *zap.SugaredLogger) *EventBus {
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = 500 * time.Millisecond
	cfg.MaxDelay = 30 * time.Second
	return &EventBus{
		client:   client,
		relay:    relay,
		channels: []string{ChannelRankChanges, ChannelUpdates, ChannelScoreUpdates},
		retry:    cfg,
		logger:   logger,
	}
}

// SetRankCache makes score and rank events evict stale cached ranks.
func (eb *EventBus) SetRankCache(ranks RankInvalidator) {
	eb.ranks = ranks
}

// Run listens until ctx is done. Failures are retried with backoff for as
// long as ctx lives; the backoff starts over after every successful subscribe.
func (eb *EventBus) Run(ctx context.Context) error {
	attempt := 0
	for {
		subscribed, err := eb.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			attempt = 0
		}

		delay := retry.Backoff(eb.retry, attempt)
		if attempt < maxBackoffStep {
			attempt++
		}
		eb.logger.Warnw("leaderboard subscription failed",
			"error", err,
			"attempt", attempt,
			"retry_in", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// listen reports whether the subscription was confirmed before it failed.
func (eb *EventBus) listen(ctx context.Context) (bool, error) {
	pubsub := eb.client.Subscribe(ctx, eb.channels...)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return false, fmt.Errorf("failed to subscribe: %w", err)
	}
	eb.logger.Infow("listening for leaderboard events", "channels", eb.channels)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return true, errSubscriptionClosed
			}
			spanCtx, span := tracing.TraceLeaderboardEvent(ctx, msg.Channel)
			if err := eb.Handle(msg.Channel, msg.Payload); err != nil {
				tracing.RecordError(spanCtx, err)
				eb.logger.Warnw("failed to handle leaderboard event",
					"channel", msg.Channel,
					"error", err,
				)
			}
			span.End()
		}
	}
}

// Handle routes one published payload. Rank changes and board updates go to
// every subscriber; a score update goes only to the user it names.
func (eb *EventBus) Handle(channel, payload string) error {
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	switch channel {
	case ChannelRankChanges:
		eb.invalidate("")
		n := eb.relay.PublishToSubscribers(domain.NewEnvelope(domain.TypeGlobalRankChange, data))
		eb.logger.Debugw("relayed rank change", "delivered", n)
	case ChannelUpdates:
		eb.invalidate("")
		n := eb.relay.PublishToSubscribers(domain.NewEnvelope(domain.TypeGlobalLeaderboardUpdate, data))
		eb.logger.Debugw("relayed leaderboard update", "delivered", n)
	case ChannelScoreUpdates:
		user, _ := data["user_id"].(string)
		if user == "" {
			return fmt.Errorf("score update without user_id")
		}
		eb.invalidate(domain.UserID(user))
		eb.relay.DeliverTo(domain.UserID(user), domain.NewEnvelope(domain.TypePersonalScoreUpdate, data))
	default:
		return fmt.Errorf("unexpected channel %q", channel)
	}
	return nil
}

func (eb *EventBus) invalidate(user domain.UserID) {
	if eb.ranks != nil {
		eb.ranks.Invalidate(user)
	}
}
