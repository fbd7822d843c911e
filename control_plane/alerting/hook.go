package alerting

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/petrhale/camshaft/control_plane/model"
	"github.com/petrhale/camshaft/control_plane/observability"
)

// FailureStore is the slice of the store the hook reads when a rule is
// windowed: terminal failures inside the window and the last success marker.
type FailureStore interface {
	ListFailedSince(ctx context.Context, workflowName string, since time.Time) ([]model.Execution, error)
	LastCompletedAt(ctx context.Context, workflowName string) (*time.Time, error)
}

// Sender delivers one alert.
type Sender interface {
	Name() string
	Send(ctx context.Context, alert Context) error
}

const sampleInputLimit = 3

// Hook is the executor's failure listener. Rules are indexed by workflow name
// at construction and never change afterwards; cooldown state lives in an
// expiring cache so a noisy workflow cannot flood the senders.
type Hook struct {
	store   FailureStore
	rules   map[string]Rule
	senders []Sender
	breaker *DeliveryBreaker
	logger  *zap.Logger

	cooldowns *cache.Cache

	now func() time.Time
}

// NewHook builds a hook from a rule list. Duplicate workflow names keep the
// last rule.
func NewHook(st FailureStore, rules []Rule, senders []Sender, logger *zap.Logger) *Hook {
	if logger == nil {
		logger = zap.NewNop()
	}
	byWorkflow := make(map[string]Rule, len(rules))
	for _, r := range rules {
		byWorkflow[r.WorkflowName] = r
	}
	return &Hook{
		store:     st,
		rules:     byWorkflow,
		senders:   senders,
		breaker:   NewDeliveryBreaker(),
		logger:    logger.Named("alerting"),
		cooldowns: cache.New(cache.NoExpiration, time.Minute),
		now:       time.Now,
	}
}

// OnFailure evaluates the rules for one failed execution and fans out when a
// rule fires. All errors are absorbed; alerting never disturbs the executor.
func (h *Hook) OnFailure(ctx context.Context, exec model.Execution) {
	rule, ok := h.rules[exec.Name]
	if !ok {
		observability.AlertsSuppressed.WithLabelValues("no_rule").Inc()
		return
	}
	if _, held := h.cooldowns.Get(exec.Name); held {
		observability.AlertsSuppressed.WithLabelValues("cooldown").Inc()
		return
	}

	alert, fire := h.evaluate(ctx, rule, exec)
	if !fire {
		return
	}

	if !h.breaker.Allow(h.now()) {
		observability.AlertsSuppressed.WithLabelValues("breaker_open").Inc()
		h.logger.Warn("alert dropped, delivery breaker open", zap.String("workflow", exec.Name))
		return
	}

	if rule.Cooldown > 0 {
		h.cooldowns.Set(exec.Name, struct{}{}, rule.Cooldown)
	}
	h.deliver(ctx, alert)
}

// evaluate decides whether the rule fires and builds the alert context.
func (h *Hook) evaluate(ctx context.Context, rule Rule, exec model.Execution) (Context, bool) {
	alert := Context{
		Workflow:     exec.Name,
		Triggering:   exec,
		FailureCount: 1,
	}

	if rule.MinimumFailures <= 1 {
		if !rule.matches(exec) {
			observability.AlertsSuppressed.WithLabelValues("below_threshold").Inc()
			return Context{}, false
		}
		return alert, true
	}

	since := h.now().Add(-rule.TimeWindow)
	failed, err := h.store.ListFailedSince(ctx, exec.Name, since)
	if err != nil {
		h.logger.Error("cannot load failure window", zap.String("workflow", exec.Name), zap.Error(err))
		return Context{}, false
	}

	var matching []model.Execution
	for _, f := range failed {
		if rule.matches(f) {
			matching = append(matching, f)
		}
	}
	if len(matching) < rule.MinimumFailures {
		observability.AlertsSuppressed.WithLabelValues("below_threshold").Inc()
		return Context{}, false
	}

	alert.FailureCount = len(matching)
	alert.FailuresByStep = make(map[string]int)
	alert.FailuresByException = make(map[string]int)
	for _, f := range matching {
		if f.FailureStep != "" {
			alert.FailuresByStep[f.FailureStep]++
		}
		if f.FailureException != "" {
			alert.FailuresByException[f.FailureException]++
		}
		if f.EndTime != nil && (alert.FirstFailure == nil || f.EndTime.Before(*alert.FirstFailure)) {
			t := *f.EndTime
			alert.FirstFailure = &t
		}
		if len(alert.SampleInputs) < sampleInputLimit && len(f.Input) > 0 {
			alert.SampleInputs = append(alert.SampleInputs, string(f.Input))
		}
	}

	if last, err := h.store.LastCompletedAt(ctx, exec.Name); err == nil {
		alert.LastSuccess = last
	}
	return alert, true
}

// deliver fans the alert out to every sender. One sender failing does not
// stop the others; each send is retried twice with fibonacci backoff.
func (h *Hook) deliver(ctx context.Context, alert Context) {
	for _, s := range h.senders {
		backoff := retry.WithMaxRetries(2, retry.NewFibonacci(200*time.Millisecond))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			return retry.RetryableError(s.Send(ctx, alert))
		})
		if err != nil {
			observability.AlertsSent.WithLabelValues(s.Name(), "error").Inc()
			h.breaker.RecordFailure(h.now())
			h.logger.Error("alert delivery failed",
				zap.String("sender", s.Name()),
				zap.String("workflow", alert.Workflow),
				zap.Error(err))
			continue
		}
		observability.AlertsSent.WithLabelValues(s.Name(), "ok").Inc()
		h.breaker.RecordSuccess()
		h.logger.Info("alert sent",
			zap.String("sender", s.Name()),
			zap.String("workflow", alert.Workflow),
			zap.Int("failure_count", alert.FailureCount))
	}
}
