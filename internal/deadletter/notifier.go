package deadletter

import (
	"context"

	"go.uber.org/zap"
)

// Notifier tries a delivery right away and falls back to the queue, so a
// notification is either delivered or durably pending.
type Notifier struct {
	Queue *Queue
}

// Send reports queued=true when the immediate attempt failed and the
// payload was persisted for retry. err is set only when it could not be
// persisted either.
func (n *Notifier) Send(ctx context.Context, destination, correlationID string, payload map[string]any) (queued bool, err error) {
	sendErr := n.Queue.send(ctx, destination, payload)
	if sendErr == nil {
		return false, nil
	}
	n.Queue.logger().Warn("notification failed; queueing",
		zap.String("destination", destination), zap.String("correlation_id", correlationID), zap.Error(sendErr))
	if _, err := n.Queue.Enqueue(context.WithoutCancel(ctx), destination, correlationID, payload, sendErr); err != nil {
		return false, err
	}
	return true, nil
}
