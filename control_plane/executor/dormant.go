package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/petrhale/camshaft/control_plane/engine"
	"github.com/petrhale/camshaft/control_plane/model"
	"github.com/petrhale/camshaft/control_plane/observability"
	"github.com/petrhale/camshaft/control_plane/store"
)

// DormantContext is the per-execution engine.Activator: a running workflow
// uses it to wake dormant dependents it declared, with an input of its
// choosing. Outside a live manifest-backed execution every call is rejected.
type DormantContext struct {
	store  store.Store
	exec   model.Execution
	boost  int
	logger *zap.Logger
}

// Activate wakes one dormant child of the current execution's manifest.
// A child that is already queued or active is skipped silently; activation
// during a run is idempotent by design of the queue's uniqueness rule.
func (d *DormantContext) Activate(ctx context.Context, childExternalID string, input any) error {
	return d.activateOne(ctx, d.store, engine.Activation{ChildExternalID: childExternalID, Input: input})
}

// ActivateMany wakes several children in one transaction; either all
// activations are applied or none.
func (d *DormantContext) ActivateMany(ctx context.Context, activations []engine.Activation) error {
	if len(activations) == 0 {
		return nil
	}
	return d.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		for _, a := range activations {
			if err := d.activateOne(ctx, tx, a); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *DormantContext) activateOne(ctx context.Context, st store.Store, a engine.Activation) error {
	if d.exec.ID == 0 || d.exec.ManifestID == nil {
		observability.DormantActivations.WithLabelValues("rejected").Inc()
		return model.ErrNotInExecution
	}

	child, err := st.GetManifest(ctx, a.ChildExternalID)
	if err != nil {
		observability.DormantActivations.WithLabelValues("rejected").Inc()
		return err
	}
	if child.ScheduleKind != model.ScheduleDormantDependent {
		observability.DormantActivations.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: %s is %s", model.ErrNotDormant, a.ChildExternalID, child.ScheduleKind)
	}
	if child.DependsOnManifestID == nil || *child.DependsOnManifestID != *d.exec.ManifestID {
		observability.DormantActivations.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: %s", model.ErrNotChildOfParent, a.ChildExternalID)
	}

	queued, err := st.HasQueuedWork(ctx, child.ID)
	if err != nil {
		return err
	}
	active := false
	if !queued {
		active, err = st.HasActiveExecution(ctx, child.ID)
		if err != nil {
			return err
		}
	}
	if queued || active {
		observability.DormantActivations.WithLabelValues("skipped").Inc()
		d.logger.Info("dormant child already scheduled, skipping",
			zap.String("child", a.ChildExternalID),
			zap.Bool("queued", queued),
			zap.Bool("active", active))
		return nil
	}

	raw := child.InputProperties
	if a.Input != nil {
		raw, err = json.Marshal(a.Input)
		if err != nil {
			return fmt.Errorf("marshal activation input for %s: %w", a.ChildExternalID, err)
		}
	}

	group, err := st.GetGroupByID(ctx, child.GroupID)
	if err != nil {
		return err
	}

	_, err = st.EnqueueWork(ctx, store.NewWorkItem{
		WorkflowName:  child.WorkflowName,
		InputTypeName: child.InputTypeName,
		Input:         raw,
		ManifestID:    &child.ID,
		Priority:      model.QueuePriority(group, child.ScheduleKind, d.boost),
	})
	if err != nil {
		if errors.Is(err, model.ErrDuplicateQueued) {
			observability.DormantActivations.WithLabelValues("skipped").Inc()
			return nil
		}
		return err
	}

	observability.DormantActivations.WithLabelValues("activated").Inc()
	d.logger.Info("dormant child activated",
		zap.String("child", a.ChildExternalID),
		zap.Int64("parent_metadata_id", d.exec.ID))
	return nil
}
