package plugin

import (
	"context"
	"errors"
	"fmt"
)

// Rotation is one create-before-delete credential rotation.
type Rotation struct {
	// Create makes the new credential upstream and returns it.
	Create func(ctx context.Context) (*PullResult, error)
	// Confirm proves the new credential is durably stored and usable.
	Confirm func(ctx context.Context, created *PullResult) error
	// Delete retires the old credential. Optional.
	Delete func(ctx context.Context, created *PullResult) error
}

// RotateCreateBeforeDelete runs a rotation so that at least one valid
// credential exists at every point.
//
// Delete only runs after Create and Confirm both succeeded. If Create or
// Confirm fails the old credential is untouched and the error is returned
// with a nil result. If Delete fails the new credential is returned together
// with a *RotationRaceError: both credentials are valid and nothing is
// rolled back.
func RotateCreateBeforeDelete(ctx context.Context, r Rotation) (*PullResult, error) {
	if r.Create == nil || r.Confirm == nil {
		return nil, &RotationRaceError{Stage: "plan", Err: errors.New("rotation needs both a create and a confirm step")}
	}

	created, err := r.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("create new credential: %w", err)
	}
	if created == nil {
		return nil, fmt.Errorf("create new credential: no credential returned")
	}

	if err := r.Confirm(ctx, created); err != nil {
		return nil, fmt.Errorf("confirm new credential: %w", err)
	}

	if r.Delete == nil {
		return created, nil
	}
	if err := ctx.Err(); err != nil {
		return created, &RotationRaceError{Stage: "delete", Err: err}
	}
	if err := r.Delete(ctx, created); err != nil {
		return created, &RotationRaceError{Stage: "delete", Err: err}
	}
	return created, nil
}
