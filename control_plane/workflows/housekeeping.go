package workflows

import (
	"fmt"
	"time"

	"github.com/petrhale/camshaft/control_plane/engine"
	"github.com/petrhale/camshaft/control_plane/store"
)

// HousekeepingInputType is the registered input type name of the housekeeping
// workflow. It belongs to the excluded workflow set by default so retention
// runs never consume user capacity.
const HousekeepingInputType engine.TypeName = "camshaft.HousekeepingInput"

const (
	housekeepingCutoffType engine.TypeName = "camshaft.housekeepingCutoff"
	housekeepingReportType engine.TypeName = "camshaft.HousekeepingReport"
)

// HousekeepingInput selects how far back terminal records are kept. A zero
// RetentionHours falls back to the configured default at registration time.
type HousekeepingInput struct {
	RetentionHours int `json:"retentionHours"`
}

// HousekeepingReport is the workflow output: what was removed.
type HousekeepingReport struct {
	Cutoff             time.Time `json:"cutoff"`
	ExecutionsPruned   int64     `json:"executionsPruned"`
	QueueEntriesPruned int64     `json:"queueEntriesPruned"`
}

// Housekeeping builds the retention workflow over the given store. It prunes
// terminal executions (and their logs) and resolved queue entries older than
// the retention window.
func Housekeeping(st store.Store, defaultRetention time.Duration) *engine.Workflow {
	return &engine.Workflow{
		Name:   "housekeeping",
		Input:  HousekeepingInputType,
		Output: housekeepingReportType,
		Steps: []engine.Step{
			{
				Name: "compute_cutoff",
				Kind: engine.StepPlain,
				In:   HousekeepingInputType,
				Out:  housekeepingCutoffType,
				Do: func(rc *engine.RunContext, in any) (any, error) {
					input := in.(*HousekeepingInput)
					retention := defaultRetention
					if input.RetentionHours > 0 {
						retention = time.Duration(input.RetentionHours) * time.Hour
					}
					if retention <= 0 {
						return nil, fmt.Errorf("retention must be positive, got %s", retention)
					}
					return time.Now().Add(-retention), nil
				},
			},
			{
				Name: "prune",
				Kind: engine.StepExtract,
				In:   housekeepingCutoffType,
				Do: func(rc *engine.RunContext, in any) (any, error) {
					cutoff := in.(time.Time)

					execs, err := st.PruneExecutions(rc.Context, cutoff)
					if err != nil {
						return nil, fmt.Errorf("prune executions: %w", err)
					}
					entries, err := st.PruneWorkQueue(rc.Context, cutoff)
					if err != nil {
						return nil, fmt.Errorf("prune work queue: %w", err)
					}

					rc.Logger.Info("housekeeping pruned records")
					return []engine.Typed{{
						Type: housekeepingReportType,
						Value: &HousekeepingReport{
							Cutoff:             cutoff,
							ExecutionsPruned:   execs,
							QueueEntriesPruned: entries,
						},
					}}, nil
				},
			},
		},
	}
}
