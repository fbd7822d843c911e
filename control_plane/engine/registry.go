package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotRegistered is returned when an input type has no workflow.
var ErrNotRegistered = errors.New("no workflow registered for input type")

// MaxInputDepth bounds the nesting of JSON inputs accepted by Decode.
const MaxInputDepth = 8

// Factory produces a fresh pointer to the zero input value for a workflow,
// ready for JSON unmarshalling. The factory table is what turns stored type
// names back into values without reflection.
type Factory func() any

// Registration pairs a workflow with its input factory.
type Registration struct {
	Workflow *Workflow
	NewInput Factory
}

// Registry maps input type names to workflows. It is populated once at
// startup from an explicit list and read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	byInput map[TypeName]Registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byInput: make(map[TypeName]Registration)}
}

// Register validates a workflow and adds it under its input type. Duplicate
// input types and structurally invalid workflows are rejected.
func (r *Registry) Register(w *Workflow, newInput Factory) error {
	if err := validateWorkflow(w); err != nil {
		return err
	}
	if newInput == nil {
		return fmt.Errorf("workflow %s: nil input factory", w.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byInput[w.Input]; ok {
		return fmt.Errorf("input type %s already registered to workflow %s", w.Input, existing.Workflow.Name)
	}
	r.byInput[w.Input] = Registration{Workflow: w, NewInput: newInput}
	return nil
}

// Lookup resolves the workflow registered for an input type.
func (r *Registry) Lookup(input TypeName) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byInput[input]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %s", ErrNotRegistered, input)
	}
	return reg, nil
}

// Has reports whether an input type is registered. The manifest store uses
// this to reject registrations for workflows that do not exist.
func (r *Registry) Has(input string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byInput[TypeName(input)]
	return ok
}

// Names lists registered workflow names, sorted, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byInput))
	for _, reg := range r.byInput {
		names = append(names, reg.Workflow.Name)
	}
	sort.Strings(names)
	return names
}

// Decode turns a stored input type name and raw JSON back into a typed value
// through the registered factory. Inputs nested deeper than MaxInputDepth
// are rejected.
func (r *Registry) Decode(input TypeName, raw []byte) (any, error) {
	reg, err := r.Lookup(input)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return reg.NewInput(), nil
	}
	if err := checkDepth(raw, MaxInputDepth); err != nil {
		return nil, fmt.Errorf("input for %s: %w", input, err)
	}
	v := reg.NewInput()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return nil, fmt.Errorf("decode input for %s: %w", input, err)
	}
	return v, nil
}

// validateWorkflow rejects structural problems before registration: missing
// names or types, chain steps without a nested workflow, executable steps
// without a body, and duplicate (in, out) step pairs within one workflow.
func validateWorkflow(w *Workflow) error {
	if w == nil {
		return errors.New("nil workflow")
	}
	if w.Name == "" {
		return errors.New("workflow name must not be empty")
	}
	if w.Input == "" || w.Output == "" {
		return fmt.Errorf("workflow %s: input and output types must be set", w.Name)
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %s: no steps", w.Name)
	}
	seen := make(map[[2]TypeName]string, len(w.Steps))
	for i := range w.Steps {
		step := &w.Steps[i]
		if step.Name == "" {
			return fmt.Errorf("workflow %s: step %d has no name", w.Name, i)
		}
		if step.Kind == StepChain {
			if step.Chain == nil {
				return fmt.Errorf("workflow %s: chain step %s has no nested workflow", w.Name, step.Name)
			}
			if err := validateWorkflow(step.Chain); err != nil {
				return fmt.Errorf("workflow %s: chain step %s: %w", w.Name, step.Name, err)
			}
			continue
		}
		if step.Do == nil {
			return fmt.Errorf("workflow %s: step %s has no body", w.Name, step.Name)
		}
		if step.In == "" {
			return fmt.Errorf("workflow %s: step %s has no input type", w.Name, step.Name)
		}
		key := [2]TypeName{step.In, step.Out}
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("workflow %s: steps %s and %s share the type pair (%s -> %s)", w.Name, prev, step.Name, step.In, step.Out)
		}
		seen[key] = step.Name
	}
	return nil
}

// checkDepth walks the raw JSON tokens and fails when object or array
// nesting exceeds max.
func checkDepth(raw []byte, max int) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			// Malformed JSON surfaces from the real decode with context.
			return nil
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
				if depth > max {
					return fmt.Errorf("json nested deeper than %d levels", max)
				}
			case '}', ']':
				depth--
			}
		}
	}
}
