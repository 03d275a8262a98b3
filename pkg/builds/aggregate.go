package builds

import (
	"context"
	"fmt"
	"slices"
	"time"

	bs "github.com/ethpandaops/runboor/pkg/buildstate"
	"github.com/ethpandaops/runboor/pkg/store"
)

func childViews(children []store.Build) []bs.Child {
	out := make([]bs.Child, 0, len(children))

	for _, c := range children {
		out = append(out, bs.Child{
			GlobalState:  c.GlobalState,
			GlobalResult: c.GlobalResult,
			Orphan:       c.OrphanResult,
		})
	}

	return out
}

// refreshGlobals recomputes the aggregates of b from its children.
func refreshGlobals(ctx context.Context, s store.Store, b *store.Build) error {
	children, err := s.ListChildren(ctx, b.ID)
	if err != nil {
		return err
	}

	views := childViews(children)
	b.GlobalState = bs.GlobalState(b.LocalState, views)
	b.GlobalResult = bs.GlobalResult(b.LocalResult, views)

	return nil
}

// progressColumns are written by every save. Requested actions, orphan
// flags, killable and build_end are set elsewhere by single column
// updates and only written when a caller names them.
var progressColumns = []string{
	"local_state",
	"local_result",
	"global_state",
	"global_result",
	"active_step_id",
	"port",
	"job_start",
	"job_end",
	"build_start",
	"docker_start",
}

// save persists the progress columns and extra of b with fresh aggregates
// and refreshes its ancestors.
func (m *machine) save(ctx context.Context, s store.Store, b *store.Build, extra ...string) error {
	if err := refreshGlobals(ctx, s, b); err != nil {
		return err
	}

	columns := append(slices.Clone(progressColumns), extra...)

	if err := s.UpdateBuild(ctx, b, columns...); err != nil {
		return err
	}

	return propagate(ctx, s, b)
}

// propagate walks up from b refreshing ancestor aggregates. Only the
// aggregate columns are written so a concurrent local update of an
// ancestor is not overwritten. The walk stops at the first ancestor
// whose aggregates did not change.
func propagate(ctx context.Context, s store.Store, b *store.Build) error {
	ancestors := b.Ancestors()

	for i := len(ancestors) - 1; i >= 0; i-- {
		parent, err := s.GetBuild(ctx, ancestors[i])
		if err != nil {
			return fmt.Errorf("loading ancestor of %d: %w", b.ID, err)
		}

		state, result := parent.GlobalState, parent.GlobalResult

		if err := refreshGlobals(ctx, s, parent); err != nil {
			return err
		}

		if parent.GlobalState == state && parent.GlobalResult == result {
			return nil
		}

		if err := s.UpdateBuildFields(ctx, parent.ID, map[string]any{
			"global_state":  parent.GlobalState,
			"global_result": parent.GlobalResult,
		}); err != nil {
			return err
		}
	}

	return nil
}

// updateBuildEnd stamps the end of b and of every ancestor already
// running or done.
func updateBuildEnd(ctx context.Context, s store.Store, b *store.Build, at time.Time) error {
	b.BuildEnd = &at

	for parentID := b.ParentID; parentID != nil; {
		parent, err := s.GetBuild(ctx, *parentID)
		if err != nil {
			return fmt.Errorf("loading parent of %d: %w", b.ID, err)
		}

		if parent.LocalState != bs.StateRunning && parent.LocalState != bs.StateDone {
			return nil
		}

		if err := s.UpdateBuildFields(ctx, parent.ID, map[string]any{"build_end": at}); err != nil {
			return err
		}

		parentID = parent.ParentID
	}

	return nil
}
