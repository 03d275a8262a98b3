package builds

import (
	"context"
	"fmt"
	"strings"

	bs "github.com/ethpandaops/runboor/pkg/buildstate"
	"github.com/ethpandaops/runboor/pkg/status"
	"github.com/ethpandaops/runboor/pkg/store"
)

// ReportStatus reports the root of the build's tree. Orphaned children
// and roots built on another config than their trigger's stay silent.
func (m *machine) ReportStatus(ctx context.Context, b *store.Build) error {
	for b.ParentID != nil {
		if b.OrphanResult {
			return nil
		}

		parent, err := m.store.GetBuild(ctx, *b.ParentID)
		if err != nil {
			return fmt.Errorf("loading parent of build %d: %w", b.ID, err)
		}

		b = parent
	}

	p := b.Params
	if p == nil || p.Trigger == nil || p.Trigger.CIContext == "" {
		return nil
	}

	trigger := p.Trigger
	if trigger.ConfigID == nil || *trigger.ConfigID != p.ConfigID {
		return nil
	}

	state, ok := bs.StatusState(b.GlobalState, b.GlobalResult)
	if !ok {
		return nil
	}

	url := trigger.CIURL
	if url == "" {
		url = fmt.Sprintf("http://%s/runboor/build/%d", m.domain, b.ID)
	}

	desc := trigger.CIDescription
	if desc == "" {
		desc = fmt.Sprintf(" (runtime %ds)", int(bs.JobTime(b.JobStart, b.JobEnd, m.now()).Seconds()))
	}

	for _, link := range p.CommitLinks {
		if strings.Contains(link.MatchType, "base_") || link.Commit == nil || !trigger.HasRepo(link.Commit.RepoID) {
			continue
		}

		if err := m.reporter.Report(ctx, &status.Status{
			Commit:      link.Commit,
			Context:     trigger.CIContext,
			State:       state,
			TargetURL:   url,
			Description: desc,
		}); err != nil {
			return fmt.Errorf("reporting build %d on %s: %w", b.ID, link.Commit.Hash, err)
		}
	}

	return nil
}
