// Package params creates content-addressed build params.
package params

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/runboor/pkg/store"
)

// Store creates build params. Params of batch dependent triggers are
// fingerprinted and an existing record with the same fingerprint is
// returned; params of other triggers are always stored as a new record.
type Store interface {
	Create(ctx context.Context, s store.Store, p *store.BuildParams) (*store.BuildParams, bool, error)
}

// Compile-time interface check.
var _ Store = (*paramsStore)(nil)

type paramsStore struct {
	log logrus.FieldLogger
}

// NewStore creates a params Store.
func NewStore(log logrus.FieldLogger) Store {
	return &paramsStore{log: log.WithField("component", "params")}
}

// Create inserts p through s. The returned bool reports whether a new
// record was stored.
func (ps *paramsStore) Create(
	ctx context.Context,
	s store.Store,
	p *store.BuildParams,
) (*store.BuildParams, bool, error) {
	p.Fingerprint = nil

	if batchDependent(p) {
		fp, err := Fingerprint(p)
		if err != nil {
			return nil, false, err
		}

		p.Fingerprint = &fp
	}

	out, created, err := s.CreateParams(ctx, p)
	if err != nil {
		return nil, false, fmt.Errorf("creating params: %w", err)
	}

	ps.log.WithFields(logrus.Fields{
		"params":  out.ID,
		"created": created,
	}).Debug("Params resolved")

	return out, created, nil
}

func batchDependent(p *store.BuildParams) bool {
	return p.Trigger != nil && p.Trigger.BatchDependent
}

// canonical is the normalized view of params hashed into the fingerprint.
// Field order is fixed by the struct and map keys are sorted by
// encoding/json, so equal params always encode identically.
type canonical struct {
	VersionID          uint           `json:"version_id"`
	ProjectID          uint           `json:"project_id"`
	TriggerID          uint           `json:"trigger_id"`
	ExtraParams        string         `json:"extra_params"`
	ConfigID           uint           `json:"config_id"`
	ConfigData         map[string]any `json:"config_data"`
	Modules            string         `json:"modules"`
	CommitIDs          []uint         `json:"commit_ids"`
	ReferenceBuildIDs  []uint         `json:"reference_build_ids"`
	UpgradeFromBuildID uint           `json:"upgrade_from_build_id"`
	UpgradeToBuildID   uint           `json:"upgrade_to_build_id"`
	DumpDatabaseID     uint           `json:"dump_database_id"`
	DockerfileID       uint           `json:"dockerfile_id"`
	SkipRequirements   bool           `json:"skip_requirements"`
	CreateBatchID      uint           `json:"create_batch_id"`
}

// Fingerprint returns the sha256 digest of the normalized params. Commit
// links contribute their commit ids rather than the link ids.
func Fingerprint(p *store.BuildParams) (string, error) {
	c := canonical{
		VersionID:          p.VersionID,
		ProjectID:          p.ProjectID,
		TriggerID:          deref(p.TriggerID),
		ExtraParams:        p.ExtraParams,
		ConfigID:           p.ConfigID,
		ConfigData:         map[string]any(p.ConfigData),
		Modules:            p.Modules,
		CommitIDs:          make([]uint, 0, len(p.CommitLinks)),
		ReferenceBuildIDs:  make([]uint, 0, len(p.ReferenceBuilds)),
		UpgradeFromBuildID: deref(p.UpgradeFromBuildID),
		UpgradeToBuildID:   deref(p.UpgradeToBuildID),
		DumpDatabaseID:     deref(p.DumpDatabaseID),
		DockerfileID:       deref(p.DockerfileID),
		SkipRequirements:   p.SkipRequirements,
		CreateBatchID:      deref(p.CreateBatchID),
	}

	if c.ConfigData == nil {
		c.ConfigData = map[string]any{}
	}

	for _, l := range p.CommitLinks {
		c.CommitIDs = append(c.CommitIDs, l.CommitID)
	}

	for _, b := range p.ReferenceBuilds {
		c.ReferenceBuildIDs = append(c.ReferenceBuildIDs, b.ID)
	}

	slices.Sort(c.CommitIDs)
	slices.Sort(c.ReferenceBuildIDs)

	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encoding params: %w", err)
	}

	return digest.FromBytes(data).String(), nil
}

func deref(v *uint) uint {
	if v == nil {
		return 0
	}

	return *v
}
