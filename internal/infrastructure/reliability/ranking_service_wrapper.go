package reliability

import (
	"context"
	"errors"

	"undercover/internal/core/domain"
	"undercover/internal/core/ports"
	"undercover/pkg/circuitbreaker"
	"undercover/pkg/retry"

	"go.uber.org/zap"
)

// RankingServiceWrapper retries transient ranking failures and stops calling
// the backend while it keeps failing. Domain answers such as "not ranked"
// pass straight through and never count against the breaker.
type RankingServiceWrapper struct {
	service ports.RankingService
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func NewRankingServiceWrapper(
	service ports.RankingService,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *RankingServiceWrapper {
	retryConfig.Permanent = append(retryConfig.Permanent,
		domain.ErrUserNotRanked,
		domain.ErrRankingDisabled,
		circuitbreaker.ErrOpen,
		context.Canceled,
		context.DeadlineExceeded,
	)

	w := &RankingServiceWrapper{
		service: service,
		retry:   retryConfig,
		breaker: circuitbreaker.New(cbConfig),
		logger:  logger,
	}
	w.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("ranking circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return w
}

func (w *RankingServiceWrapper) LiveRank(ctx context.Context, user domain.UserID) (*domain.LiveRank, error) {
	return retry.Do(ctx, w.retry, func() (*domain.LiveRank, error) {
		var answer error
		rank, err := circuitbreaker.Call(w.breaker, func() (*domain.LiveRank, error) {
			rank, err := w.service.LiveRank(ctx, user)
			if isDomainAnswer(err) {
				answer = err
				return nil, nil
			}
			return rank, err
		})
		if answer != nil {
			return nil, answer
		}
		return rank, err
	})
}

func (w *RankingServiceWrapper) BreakerState() circuitbreaker.State {
	return w.breaker.State()
}

func isDomainAnswer(err error) bool {
	return errors.Is(err, domain.ErrUserNotRanked) || errors.Is(err, domain.ErrRankingDisabled)
}
