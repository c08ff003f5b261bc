package risk

import (
	"context"

	"go.uber.org/zap"

	"node-emissions/pkg/logger"
)

// Notifier is told about every alert transition.
type Notifier interface {
	Notify(ctx context.Context, t Transition)
}

// LogNotifier writes transitions to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, t Transition) {
	logger.Named("risk").Info("alert "+t.Action,
		zap.String("type", string(t.Alert.Type)),
		zap.String("severity", string(t.Alert.Severity)),
		zap.String("id", t.Alert.ID),
		zap.String("message", t.Alert.Message),
	)
}

// Notifiers fans a transition out to each notifier in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, t Transition) {
	for _, n := range ns {
		if n != nil {
			n.Notify(ctx, t)
		}
	}
}
