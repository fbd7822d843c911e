package workflows

import (
	"context"
	"fmt"
	"time"

	"github.com/petrhale/camshaft/control_plane/engine"
	"github.com/petrhale/camshaft/control_plane/model"
	"github.com/petrhale/camshaft/control_plane/store"
)

// SystemGroup is the capacity group the built-in manifests belong to.
const SystemGroup = "system"

// HousekeepingManifestID is the external id of the built-in retention
// manifest.
const HousekeepingManifestID = "camshaft.housekeeping"

// RegisterBuiltins adds the shipped workflows to the registry.
func RegisterBuiltins(reg *engine.Registry, st store.Store, defaultRetention time.Duration) error {
	if err := reg.Register(Echo(), func() any { return &EchoInput{} }); err != nil {
		return fmt.Errorf("register echo: %w", err)
	}
	if err := reg.Register(Housekeeping(st, defaultRetention), func() any { return &HousekeepingInput{} }); err != nil {
		return fmt.Errorf("register housekeeping: %w", err)
	}
	return nil
}

// EnsureManifests upserts the built-in manifests: the housekeeping interval
// schedule in the system group. Safe to run on every boot; the upsert
// preserves the manifest's run history.
func EnsureManifests(ctx context.Context, st store.Store, interval time.Duration) error {
	if _, err := st.UpsertGroup(ctx, model.GroupSpec{
		Name:      SystemGroup,
		Priority:  0,
		IsEnabled: true,
	}); err != nil {
		return fmt.Errorf("upsert system group: %w", err)
	}

	_, err := st.UpsertManifest(ctx, model.ManifestSpec{
		ExternalID:    HousekeepingManifestID,
		WorkflowName:  "housekeeping",
		InputTypeName: string(HousekeepingInputType),
		Schedule: model.Schedule{
			Kind:     model.ScheduleInterval,
			Interval: interval,
		},
		Options: model.ManifestOptions{
			IsEnabled:  true,
			MaxRetries: 3,
			GroupName:  SystemGroup,
		},
	})
	if err != nil {
		return fmt.Errorf("upsert housekeeping manifest: %w", err)
	}
	return nil
}
