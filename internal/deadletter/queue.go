// Package deadletter persists failed outbound deliveries and retries them
// with exponential backoff until they succeed or run out of attempts.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mergeline/internal/breaker"
	"mergeline/internal/domain"
	"mergeline/internal/events"
	"mergeline/internal/repo"
)

// EventExhausted is appended when an entry is dropped after its last attempt.
const EventExhausted = "delivery.exhausted"

// Deliverer sends one payload to a destination.
type Deliverer interface {
	Deliver(ctx context.Context, destination string, payload map[string]any) error
}

type DeliverFunc func(ctx context.Context, destination string, payload map[string]any) error

func (f DeliverFunc) Deliver(ctx context.Context, destination string, payload map[string]any) error {
	return f(ctx, destination, payload)
}

// Policy bounds retries. Attempts count every failed delivery, including
// the one that queued the entry; the entry is dropped once they exceed
// MaxAttempts.
type Policy struct {
	BaseDelay   time.Duration
	Factor      float64
	MaxAttempts int
	BatchSize   int
}

func DefaultPolicy() Policy {
	return Policy{BaseDelay: 2 * time.Second, Factor: 2, MaxAttempts: 5, BatchSize: 50}
}

// Backoff is BaseDelay × Factor^attempts.
func (p Policy) Backoff(attempts int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempts))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Queue is the durable retry queue. Breakers, when set, guard each
// destination under the "notify:<destination>" target.
type Queue struct {
	Repo     repo.Repo
	Events   *events.Log
	Deliver  Deliverer
	Breakers *breaker.Registry
	Policy   Policy
	Logger   *zap.Logger
	Now      func() time.Time
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now().UTC()
	}
	return time.Now().UTC()
}

func (q *Queue) logger() *zap.Logger {
	if q.Logger == nil {
		return zap.NewNop()
	}
	return q.Logger
}

func (q *Queue) send(ctx context.Context, destination string, payload map[string]any) error {
	if q.Breakers == nil {
		return q.Deliver.Deliver(ctx, destination, payload)
	}
	return breaker.Do(ctx, q.Breakers, "notify:"+destination, func(ctx context.Context) error {
		return q.Deliver.Deliver(ctx, destination, payload)
	})
}

// Enqueue stores a delivery. A non-nil cause is the failed attempt that
// queued it and counts as the entry's first attempt.
func (q *Queue) Enqueue(ctx context.Context, destination, correlationID string, payload map[string]any, cause error) (domain.DeadLetter, error) {
	now := q.now()
	dl := domain.DeadLetter{
		ID:            uuid.NewString(),
		Destination:   destination,
		CorrelationID: correlationID,
		Payload:       payload,
		CreatedAt:     now,
	}
	if cause != nil {
		dl.Attempts = 1
		dl.LastError = cause.Error()
	}
	dl.NextRetryAt = now.Add(q.Policy.Backoff(dl.Attempts))
	if err := q.Repo.InsertDeadLetter(ctx, dl); err != nil {
		return dl, fmt.Errorf("enqueue dead letter: %w", err)
	}
	q.logger().Info("delivery queued for retry",
		zap.String("dead_letter_id", dl.ID), zap.String("destination", destination),
		zap.String("correlation_id", correlationID), zap.Time("next_retry_at", dl.NextRetryAt))
	return dl, nil
}

type DrainResult struct {
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Exhausted int `json:"exhausted"`
	Deferred  int `json:"deferred"`
}

// DrainDue attempts every entry whose retry time has passed. Entries whose
// destination breaker is open are pushed back without spending an attempt.
func (q *Queue) DrainDue(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	due, err := q.Repo.DueDeadLetters(ctx, q.now(), q.Policy.BatchSize)
	if err != nil {
		return res, err
	}
	for _, dl := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		log := q.logger().With(zap.String("dead_letter_id", dl.ID), zap.String("destination", dl.Destination))
		sendErr := q.send(ctx, dl.Destination, dl.Payload)
		switch {
		case sendErr == nil:
			if err := q.Repo.DeleteDeadLetter(ctx, nil, dl.ID); err != nil && !errors.Is(err, repo.ErrNotFound) {
				return res, err
			}
			log.Info("queued delivery succeeded", zap.Int("attempts", dl.Attempts+1))
			res.Delivered++
		case errors.Is(sendErr, breaker.ErrOpen):
			if err := q.Repo.RecordDeliveryFailure(ctx, dl.ID, dl.Attempts, q.now().Add(q.Policy.Backoff(dl.Attempts)), sendErr.Error()); err != nil {
				return res, err
			}
			res.Deferred++
		default:
			attempts := dl.Attempts + 1
			if attempts > q.Policy.MaxAttempts {
				if err := q.exhaust(ctx, dl, attempts, sendErr); err != nil {
					return res, err
				}
				log.Warn("delivery exhausted", zap.Int("attempts", attempts), zap.Error(sendErr))
				res.Exhausted++
				continue
			}
			next := q.now().Add(q.Policy.Backoff(attempts))
			if err := q.Repo.RecordDeliveryFailure(ctx, dl.ID, attempts, next, sendErr.Error()); err != nil {
				return res, err
			}
			log.Info("queued delivery failed", zap.Int("attempts", attempts), zap.Time("next_retry_at", next), zap.Error(sendErr))
			res.Retried++
		}
	}
	return res, nil
}

// exhaust drops the entry and records the terminal fact in one transaction.
func (q *Queue) exhaust(ctx context.Context, dl domain.DeadLetter, attempts int, cause error) error {
	corr := dl.CorrelationID
	if corr == "" {
		corr = "dead-letter:" + dl.ID
	}
	if q.Events != nil {
		defer q.Events.Serialize(corr)()
	}
	tx, err := q.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := q.Repo.DeleteDeadLetter(ctx, tx, dl.ID); err != nil {
		return err
	}
	var stored events.Event
	if q.Events != nil {
		stored, err = q.Events.Record(ctx, tx, events.Event{
			Type:          EventExhausted,
			CorrelationID: corr,
			Payload: events.Payload{
				"dead_letter_id": dl.ID,
				"destination":    dl.Destination,
				"attempts":       attempts,
				"error":          cause.Error(),
				"payload":        dl.Payload,
			},
		})
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if q.Events != nil {
		q.Events.Dispatch(stored)
	}
	return nil
}

// Retry makes an entry due immediately.
func (q *Queue) Retry(ctx context.Context, id string) error {
	dl, err := q.Repo.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	return q.Repo.RecordDeliveryFailure(ctx, id, dl.Attempts, q.now(), dl.LastError)
}

func (q *Queue) List(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	return q.Repo.ListDeadLetters(ctx, limit)
}

// Run drains on every tick until ctx is done.
func (q *Queue) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := q.DrainDue(ctx)
			if err != nil && ctx.Err() == nil {
				q.logger().Error("drain dead letters", zap.Error(err))
				continue
			}
			if res.Delivered+res.Retried+res.Exhausted > 0 {
				q.logger().Debug("dead letters drained",
					zap.Int("delivered", res.Delivered), zap.Int("retried", res.Retried), zap.Int("exhausted", res.Exhausted))
			}
		}
	}
}
