package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type order struct {
	ID    string
	Total float64
}

type invoice struct {
	OrderID string
	Amount  float64
}

type receipt struct {
	InvoiceID string
}

func billingWorkflow() *Workflow {
	return &Workflow{
		Name:   "billing",
		Input:  "order",
		Output: "receipt",
		Steps: []Step{
			{
				Name: "invoice",
				Kind: StepPlain,
				In:   "order",
				Out:  "invoice",
				Do: func(rc *RunContext, in any) (any, error) {
					o := in.(*order)
					return &invoice{OrderID: o.ID, Amount: o.Total}, nil
				},
			},
			{
				Name: "settle",
				Kind: StepPlain,
				In:   "invoice",
				Out:  "receipt",
				Do: func(rc *RunContext, in any) (any, error) {
					inv := in.(*invoice)
					return &receipt{InvoiceID: inv.OrderID}, nil
				},
			},
		},
	}
}

func runCtx() *RunContext {
	return NewRunContext(context.Background(), 1, nil, nil)
}

func TestWorkflowRun(t *testing.T) {
	out, err := billingWorkflow().Run(runCtx(), &order{ID: "o-1", Total: 12.5})
	require.NoError(t, err)
	rcpt, ok := out.(*receipt)
	require.True(t, ok)
	assert.Equal(t, "o-1", rcpt.InvoiceID)
}

func TestWorkflowRunMissingInput(t *testing.T) {
	w := &Workflow{
		Name:   "broken",
		Input:  "order",
		Output: "receipt",
		Steps: []Step{
			{
				Name: "settle",
				Kind: StepPlain,
				In:   "invoice", // never produced
				Out:  "receipt",
				Do:   func(rc *RunContext, in any) (any, error) { return &receipt{}, nil },
			},
		},
	}
	_, err := w.Run(runCtx(), &order{})
	var sf *StepFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, "settle", sf.Step)
	assert.Contains(t, sf.Reason, "invoice")
}

func TestWorkflowRunStepError(t *testing.T) {
	boom := errors.New("ledger unavailable")
	w := billingWorkflow()
	w.Steps[1].Do = func(rc *RunContext, in any) (any, error) { return nil, boom }

	_, err := w.Run(runCtx(), &order{ID: "o-2"})
	var sf *StepFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, "settle", sf.Step)
	assert.Equal(t, "billing", sf.Workflow)
	assert.ErrorIs(t, err, boom)
}

func TestWorkflowRunPanicRecovered(t *testing.T) {
	w := billingWorkflow()
	w.Steps[0].Do = func(rc *RunContext, in any) (any, error) { panic("bad pointer") }

	_, err := w.Run(runCtx(), &order{})
	var sf *StepFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, "invoice", sf.Step)
	assert.Contains(t, sf.Reason, "panic")
	assert.NotEmpty(t, sf.Stack)
}

func TestWorkflowShortCircuit(t *testing.T) {
	settled := false
	w := &Workflow{
		Name:   "billing",
		Input:  "order",
		Output: "receipt",
		Steps: []Step{
			{
				Name: "cached",
				Kind: StepShortCircuit,
				In:   "order",
				Out:  "invoice",
				Do: func(rc *RunContext, in any) (any, error) {
					return ShortCircuit(&receipt{InvoiceID: "cached"}), nil
				},
			},
			{
				Name: "settle",
				Kind: StepPlain,
				In:   "invoice",
				Out:  "receipt",
				Do: func(rc *RunContext, in any) (any, error) {
					settled = true
					return &receipt{}, nil
				},
			},
		},
	}
	out, err := w.Run(runCtx(), &order{})
	require.NoError(t, err)
	assert.Equal(t, "cached", out.(*receipt).InvoiceID)
	assert.False(t, settled, "remaining steps must not run after a short circuit")
}

func TestWorkflowShortCircuitPassThrough(t *testing.T) {
	w := billingWorkflow()
	w.Steps[0].Kind = StepShortCircuit // returns a plain value, no short circuit

	out, err := w.Run(runCtx(), &order{ID: "o-3", Total: 3})
	require.NoError(t, err)
	assert.Equal(t, "o-3", out.(*receipt).InvoiceID)
}

func TestWorkflowExtract(t *testing.T) {
	w := &Workflow{
		Name:   "split",
		Input:  "order",
		Output: "receipt",
		Steps: []Step{
			{
				Name: "explode",
				Kind: StepExtract,
				In:   "order",
				Do: func(rc *RunContext, in any) (any, error) {
					o := in.(*order)
					return []Typed{
						{Type: "orderId", Value: o.ID},
						{Type: "amount", Value: o.Total},
					}, nil
				},
			},
			{
				Name: "receipt",
				Kind: StepPlain,
				In:   "orderId",
				Out:  "receipt",
				Do: func(rc *RunContext, in any) (any, error) {
					amount, ok := rc.Get("amount")
					require.True(t, ok)
					return &receipt{InvoiceID: fmt.Sprintf("%s/%v", in.(string), amount)}, nil
				},
			},
		},
	}
	out, err := w.Run(runCtx(), &order{ID: "o-4", Total: 9})
	require.NoError(t, err)
	assert.Equal(t, "o-4/9", out.(*receipt).InvoiceID)
}

func TestWorkflowExtractWrongShape(t *testing.T) {
	w := &Workflow{
		Name:   "split",
		Input:  "order",
		Output: "receipt",
		Steps: []Step{
			{
				Name: "explode",
				Kind: StepExtract,
				In:   "order",
				Do:   func(rc *RunContext, in any) (any, error) { return "not typed values", nil },
			},
		},
	}
	_, err := w.Run(runCtx(), &order{})
	var sf *StepFailure
	require.ErrorAs(t, err, &sf)
	assert.Contains(t, sf.Reason, "[]Typed")
}

func TestWorkflowChain(t *testing.T) {
	w := &Workflow{
		Name:   "outer",
		Input:  "order",
		Output: "receipt",
		Steps: []Step{
			{Name: "bill", Kind: StepChain, Chain: billingWorkflow()},
		},
	}
	out, err := w.Run(runCtx(), &order{ID: "o-5", Total: 1})
	require.NoError(t, err)
	assert.Equal(t, "o-5", out.(*receipt).InvoiceID)
}

func TestWorkflowChainFailurePath(t *testing.T) {
	inner := billingWorkflow()
	inner.Steps[1].Do = func(rc *RunContext, in any) (any, error) { return nil, errors.New("down") }
	w := &Workflow{
		Name:   "outer",
		Input:  "order",
		Output: "receipt",
		Steps: []Step{
			{Name: "bill", Kind: StepChain, Chain: inner},
		},
	}
	_, err := w.Run(runCtx(), &order{})
	var sf *StepFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, "outer", sf.Workflow)
	assert.Equal(t, "bill/settle", sf.Step)
}

func TestWorkflowNoOutputProduced(t *testing.T) {
	w := &Workflow{
		Name:   "void",
		Input:  "order",
		Output: "receipt",
		Steps: []Step{
			{
				Name: "noop",
				Kind: StepPlain,
				In:   "order",
				Out:  "invoice",
				Do:   func(rc *RunContext, in any) (any, error) { return &invoice{}, nil },
			},
		},
	}
	_, err := w.Run(runCtx(), &order{})
	var sf *StepFailure
	require.ErrorAs(t, err, &sf)
	assert.Contains(t, sf.Reason, "output type receipt")
}

func TestWorkflowCancellationBetweenSteps(t *testing.T) {
	cancelAfterFirst := false
	rc := runCtx()
	rc.CancelRequested = func() bool { return cancelAfterFirst }

	w := billingWorkflow()
	first := w.Steps[0].Do
	w.Steps[0].Do = func(rc *RunContext, in any) (any, error) {
		cancelAfterFirst = true
		return first(rc, in)
	}

	_, err := w.Run(rc, &order{ID: "o-6"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	var sf *StepFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, "settle", sf.Step)
}

func TestWorkflowContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rc := NewRunContext(ctx, 1, nil, nil)

	_, err := billingWorkflow().Run(rc, &order{})
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestOnStepCallback(t *testing.T) {
	var names []string
	rc := runCtx()
	rc.OnStep = func(name string) { names = append(names, name) }

	_, err := billingWorkflow().Run(rc, &order{ID: "o-7"})
	require.NoError(t, err)
	assert.Equal(t, []string{"invoice", "settle"}, names)
}
