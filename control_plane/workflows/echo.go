// Package workflows holds the workflows the scheduler ships with: a
// housekeeping workflow that prunes old records, and a trivial echo workflow
// for smoke checks.
package workflows

import (
	"github.com/petrhale/camshaft/control_plane/engine"
)

// EchoInputType is the registered input type name of the echo workflow.
const EchoInputType engine.TypeName = "camshaft.EchoInput"

const echoOutputType engine.TypeName = "camshaft.EchoOutput"

// EchoInput is the echo workflow's input.
type EchoInput struct {
	Message string `json:"message"`
}

// EchoOutput mirrors the input back.
type EchoOutput struct {
	Message string `json:"message"`
}

// Echo builds the smoke-check workflow: one step that returns its input.
func Echo() *engine.Workflow {
	return &engine.Workflow{
		Name:   "echo",
		Input:  EchoInputType,
		Output: echoOutputType,
		Steps: []engine.Step{
			{
				Name: "echo",
				Kind: engine.StepPlain,
				In:   EchoInputType,
				Out:  echoOutputType,
				Do: func(rc *engine.RunContext, in any) (any, error) {
					input := in.(*EchoInput)
					rc.Logger.Info("echo")
					return &EchoOutput{Message: input.Message}, nil
				},
			},
		},
	}
}
