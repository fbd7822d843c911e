// Package engine runs user workflows as a chain of steps over a typed value
// bag. Steps are registered with static input and output type names; at run
// time each step pulls its input from the bag and writes its output back,
// so a workflow is the closure of its steps over the bag. Dispatch is driven
// by the step list built at startup, never by runtime reflection.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

// TypeName identifies a value type in the bag and in the registry. Names are
// stable strings chosen at registration time; the same names are stored in
// the database as work-queue input type names.
type TypeName string

// StepKind selects how the runner treats a step's output.
type StepKind string

const (
	// StepPlain writes the step output to the bag under Step.Out.
	StepPlain StepKind = "plain"
	// StepShortCircuit behaves like plain unless the step returns a
	// ShortCircuit value, which finishes the workflow early with it.
	StepShortCircuit StepKind = "short_circuit"
	// StepExtract expects []Typed and explodes each value into the bag.
	StepExtract StepKind = "extract"
	// StepChain runs a nested workflow over the same bag.
	StepChain StepKind = "chain"
)

// Typed pairs a value with its bag key; extract steps return a slice of
// these.
type Typed struct {
	Type  TypeName
	Value any
}

// Activation is one dormant-child activation request.
type Activation struct {
	ChildExternalID string
	Input           any
}

// Activator lets a running workflow activate dormant dependents it declared.
// Only the scheduler's executor provides a live implementation; outside an
// execution the RunContext carries none.
type Activator interface {
	Activate(ctx context.Context, childExternalID string, input any) error
	ActivateMany(ctx context.Context, activations []Activation) error
}

// RunContext is the per-execution scope handed to every step: the value bag,
// the activation surface, the durable execution id, and the cancellation
// probe. Step dependencies beyond these are injected at registration time.
type RunContext struct {
	Context    context.Context
	MetadataID int64
	Activator  Activator
	Logger     *zap.Logger

	// CancelRequested is probed between steps; a true return stops the
	// workflow with a cancellation failure. May be nil.
	CancelRequested func() bool

	// OnStep is notified before each step runs. May be nil.
	OnStep func(stepName string)

	bag map[TypeName]any
}

// NewRunContext builds a run scope. A nil logger is replaced with a no-op
// logger so steps may log unconditionally.
func NewRunContext(ctx context.Context, metadataID int64, activator Activator, logger *zap.Logger) *RunContext {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunContext{
		Context:    ctx,
		MetadataID: metadataID,
		Activator:  activator,
		Logger:     logger,
		bag:        make(map[TypeName]any),
	}
}

// Get reads a value from the bag.
func (rc *RunContext) Get(t TypeName) (any, bool) {
	v, ok := rc.bag[t]
	return v, ok
}

// Put writes a value into the bag, replacing any previous value of the type.
func (rc *RunContext) Put(t TypeName, v any) {
	rc.bag[t] = v
}

func (rc *RunContext) cancelled() bool {
	if rc.Context != nil && rc.Context.Err() != nil {
		return true
	}
	return rc.CancelRequested != nil && rc.CancelRequested()
}

// Step is one unit of a workflow. Plain, short-circuit, and extract steps
// supply Do; chain steps supply Chain instead and inherit its input type.
type Step struct {
	Name string
	Kind StepKind
	In   TypeName
	Out  TypeName
	Do   func(rc *RunContext, in any) (any, error)

	// Chain is the nested workflow for StepChain steps.
	Chain *Workflow
}

// Workflow is an ordered chain of steps from an input type to an output
// type.
type Workflow struct {
	Name   string
	Input  TypeName
	Output TypeName
	Steps  []Step
}

type shortCircuit struct{ value any }

// ShortCircuit wraps a step result so the runner finishes the workflow with
// it immediately, skipping the remaining steps.
func ShortCircuit(v any) any { return shortCircuit{value: v} }

// ErrCancelled is the failure cause when a cancellation request stops the
// workflow between steps.
var ErrCancelled = errors.New("workflow cancelled")

// StepFailure captures where and why a workflow failed. Err carries the
// underlying cause; Stack is populated when the step panicked.
type StepFailure struct {
	Workflow string
	Step     string
	Reason   string
	Stack    string
	Err      error
}

func (f *StepFailure) Error() string {
	return fmt.Sprintf("workflow %s failed at step %s: %s", f.Workflow, f.Step, f.Reason)
}

func (f *StepFailure) Unwrap() error { return f.Err }

// Run seeds the bag with input and walks the step chain. On success it
// returns the value of the workflow's output type; on failure it returns a
// *StepFailure. Cancellation is honored between steps, never mid-step.
func (w *Workflow) Run(rc *RunContext, input any) (any, error) {
	rc.Put(w.Input, input)
	if done, out, err := w.runSteps(rc); done || err != nil {
		return out, err
	}
	out, ok := rc.Get(w.Output)
	if !ok {
		return nil, &StepFailure{
			Workflow: w.Name,
			Step:     "",
			Reason:   fmt.Sprintf("no value of output type %s produced", w.Output),
		}
	}
	return out, nil
}

// runSteps executes the chain against an already-seeded bag. The first
// return is true when a short-circuit finished the workflow.
func (w *Workflow) runSteps(rc *RunContext) (bool, any, error) {
	for i := range w.Steps {
		step := &w.Steps[i]
		if rc.cancelled() {
			return false, nil, &StepFailure{
				Workflow: w.Name,
				Step:     step.Name,
				Reason:   "cancelled before step",
				Err:      ErrCancelled,
			}
		}
		if rc.OnStep != nil {
			rc.OnStep(step.Name)
		}

		if step.Kind == StepChain {
			if err := w.runChain(rc, step); err != nil {
				return false, nil, err
			}
			continue
		}

		in, ok := rc.Get(step.In)
		if !ok {
			return false, nil, &StepFailure{
				Workflow: w.Name,
				Step:     step.Name,
				Reason:   fmt.Sprintf("no value of input type %s in bag", step.In),
			}
		}
		out, err := runSafely(rc, step, in)
		if err != nil {
			if sf := asStepFailure(err); sf != nil {
				sf.Workflow = w.Name
				return false, nil, sf
			}
			return false, nil, &StepFailure{
				Workflow: w.Name,
				Step:     step.Name,
				Reason:   err.Error(),
				Err:      err,
			}
		}

		switch step.Kind {
		case StepShortCircuit:
			if sc, hit := out.(shortCircuit); hit {
				rc.Put(w.Output, sc.value)
				return true, sc.value, nil
			}
			w.store(rc, step, out)
		case StepExtract:
			values, ok := out.([]Typed)
			if !ok {
				return false, nil, &StepFailure{
					Workflow: w.Name,
					Step:     step.Name,
					Reason:   "extract step did not return []Typed",
				}
			}
			for _, tv := range values {
				rc.Put(tv.Type, tv.Value)
			}
		default:
			w.store(rc, step, out)
		}
	}
	return false, nil, nil
}

func (w *Workflow) runChain(rc *RunContext, step *Step) error {
	if _, ok := rc.Get(step.Chain.Input); !ok {
		return &StepFailure{
			Workflow: w.Name,
			Step:     step.Name,
			Reason:   fmt.Sprintf("no value of input type %s in bag for chained workflow %s", step.Chain.Input, step.Chain.Name),
		}
	}
	if _, _, err := step.Chain.runSteps(rc); err != nil {
		if sf := asStepFailure(err); sf != nil {
			sf.Step = step.Name + "/" + sf.Step
			sf.Workflow = w.Name
			return sf
		}
		return err
	}
	return nil
}

func (w *Workflow) store(rc *RunContext, step *Step, out any) {
	if step.Out != "" && out != nil {
		rc.Put(step.Out, out)
	}
}

// runSafely converts a step panic into an error carrying the stack so one
// misbehaving step cannot take the worker down.
func runSafely(rc *RunContext, step *Step, in any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &StepFailure{
				Step:   step.Name,
				Reason: fmt.Sprintf("panic: %v", r),
				Stack:  string(debug.Stack()),
				Err:    fmt.Errorf("panic: %v", r),
			}
		}
	}()
	return step.Do(rc, in)
}

func asStepFailure(err error) *StepFailure {
	var sf *StepFailure
	if errors.As(err, &sf) {
		return sf
	}
	return nil
}
