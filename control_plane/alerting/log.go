package alerting

import (
	"context"

	"go.uber.org/zap"
)

// LogSender writes alerts to the service log. It is always wired so every
// fired alert leaves a trace even when no external sender is configured.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender wires a log sink sender.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger.Named("alert")}
}

func (l *LogSender) Name() string { return "log" }

func (l *LogSender) Send(ctx context.Context, alert Context) error {
	l.logger.Warn("workflow alert",
		zap.String("workflow", alert.Workflow),
		zap.Int("failure_count", alert.FailureCount),
		zap.String("step", alert.Triggering.FailureStep),
		zap.String("reason", alert.Triggering.FailureReason),
		zap.Any("failures_by_step", alert.FailuresByStep))
	return nil
}
