package store

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	bs "github.com/ethpandaops/runboor/pkg/buildstate"
	"github.com/ethpandaops/runboor/pkg/filter"
)

// Batch states.
const (
	BatchPreparing = "preparing"
	BatchReady     = "ready"
	BatchDone      = "done"
	BatchSkipped   = "skipped"
)

// Commit link match types.
const (
	MatchNew       = "new"
	MatchHead      = "head"
	MatchBaseMatch = "base_match"
	MatchBaseHead  = "base_head"
)

// Slot link types.
const (
	LinkCreated = "created"
	LinkMatched = "matched"
	LinkRebuild = "rebuild"
)

// Build types.
const (
	BuildNormal    = "normal"
	BuildRebuild   = "rebuild"
	BuildScheduled = "scheduled"
)

// Log levels persisted on batch and build logs.
const (
	LevelInfo      = "INFO"
	LevelWarning   = "WARNING"
	LevelError     = "ERROR"
	LevelSeparator = "SEPARATOR"
)

// maxLogMessage bounds persisted log messages.
const maxLogMessage = 300000

// ErrParamsImmutable is returned on any attempt to update build params.
var ErrParamsImmutable = errors.New("build params cannot be modified")

// Project groups repositories, bundles and triggers.
type Project struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	Name         string `gorm:"uniqueIndex;not null" json:"name"`
	DockerfileID *uint  `json:"dockerfile_id"`
}

// Version is a release line shared by bundles.
type Version struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	Name         string `gorm:"uniqueIndex;not null" json:"name"`
	Number       string `json:"number"`
	IsMajor      bool   `json:"is_major"`
	DockerfileID *uint  `json:"dockerfile_id"`
}

// Attrs exposes the version to trigger and step filters.
func (v *Version) Attrs() filter.Attrs {
	if v == nil {
		return filter.Attrs{"version": "", "number": "", "is_major": false}
	}

	return filter.Attrs{"version": v.Name, "number": v.Number, "is_major": v.IsMajor}
}

// Repo is a tracked source repository.
type Repo struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	Name       string `gorm:"uniqueIndex;not null" json:"name"`
	ProjectID  uint   `gorm:"index;not null" json:"project_id"`
	GithubName string `json:"github_name"`
}

// Commit is a revision of a repository.
type Commit struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	RepoID uint   `gorm:"uniqueIndex:idx_commit_repo_hash;not null" json:"repo_id"`
	Hash   string `gorm:"uniqueIndex:idx_commit_repo_hash;not null" json:"hash"`
	Repo   *Repo  `json:"repo,omitempty"`
}

// Dockerfile names the image builds of a bundle run in.
type Dockerfile struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Name     string `gorm:"uniqueIndex;not null" json:"name"`
	ImageTag string `gorm:"not null" json:"image_tag"`
}

// Bundle is a named group of branches across repositories.
type Bundle struct {
	ID           uint        `gorm:"primaryKey" json:"id"`
	Name         string      `gorm:"index;not null" json:"name"`
	ProjectID    uint        `gorm:"index;not null" json:"project_id"`
	VersionID    *uint       `gorm:"index" json:"version_id"`
	Version      *Version    `json:"version,omitempty"`
	BaseID       *uint       `json:"base_id"`
	IsBase       bool        `json:"is_base"`
	Sticky       bool        `json:"sticky"`
	BuildAll     bool        `json:"build_all"`
	NoAutoRun    bool        `json:"no_auto_run"`
	Host         string      `json:"host"`
	DockerfileID *uint       `json:"dockerfile_id"`
	Modules      string      `json:"modules"`
	Branches     []Branch    `gorm:"foreignKey:BundleID" json:"branches,omitempty"`
	Dockerfile   *Dockerfile `json:"dockerfile,omitempty"`
}

// Branch is a tracked branch or pull request of a repository.
type Branch struct {
	ID       uint    `gorm:"primaryKey" json:"id"`
	Name     string  `gorm:"not null" json:"name"`
	BundleID uint    `gorm:"index;not null" json:"bundle_id"`
	RepoID   uint    `gorm:"index;not null" json:"repo_id"`
	Repo     *Repo   `json:"repo,omitempty"`
	HeadID   *uint   `json:"head_id"`
	Head     *Commit `json:"head,omitempty"`
	IsPR     bool    `json:"is_pr"`
	Alive    bool    `json:"alive"`
}

// BuildConfig is an ordered list of steps.
type BuildConfig struct {
	ID    uint   `gorm:"primaryKey" json:"id"`
	Name  string `gorm:"uniqueIndex;not null" json:"name"`
	Steps []Step `gorm:"foreignKey:ConfigID" json:"steps,omitempty"`
}

// Step is one stage of a build configuration.
type Step struct {
	ID                    uint              `gorm:"primaryKey" json:"id"`
	ConfigID              *uint             `gorm:"index" json:"config_id"`
	Sequence              int               `gorm:"not null;default:0" json:"sequence"`
	Name                  string            `gorm:"index;not null" json:"name"`
	Kind                  bs.StepKind       `gorm:"type:text;not null" json:"kind"`
	Executor              string            `gorm:"not null" json:"executor"`
	Filter                string            `json:"filter"`
	CPULimit              int               `json:"cpu_limit"`
	IgnoreTriggeredResult bool              `json:"ignore_triggered_result"`
	Params                datatypes.JSONMap `gorm:"type:json" json:"params,omitempty"`
}

// State returns the progression view of the step.
func (s *Step) State() bs.Step {
	return bs.Step{ID: s.ID, Name: s.Name, Kind: s.Kind, Filter: s.Filter}
}

// Trigger maps repositories to a build configuration.
type Trigger struct {
	ID                uint         `gorm:"primaryKey" json:"id"`
	Name              string       `gorm:"not null" json:"name"`
	ProjectID         uint         `gorm:"index;not null" json:"project_id"`
	Category          string       `gorm:"index;not null" json:"category"`
	ConfigID          *uint        `json:"config_id"`
	Config            *BuildConfig `json:"config,omitempty"`
	VersionFilter     string       `json:"version_filter"`
	Description       string       `json:"description"`
	Manual            bool         `json:"manual"`
	BatchDependent    bool         `json:"batch_dependent"`
	CIContext         string       `json:"ci_context"`
	CIURL             string       `json:"ci_url"`
	CIDescription     string       `json:"ci_description"`
	Repos             []Repo       `gorm:"many2many:trigger_repos" json:"repos,omitempty"`
	Dependencies      []Repo       `gorm:"many2many:trigger_dependencies" json:"dependencies,omitempty"`
	ReferenceTriggers []Trigger    `gorm:"many2many:trigger_references;joinForeignKey:TriggerID;joinReferences:ReferenceID" json:"reference_triggers,omitempty"`
}

// AllRepos returns the trigger repos followed by its dependencies.
func (t *Trigger) AllRepos() []Repo {
	out := make([]Repo, 0, len(t.Repos)+len(t.Dependencies))
	seen := make(map[uint]struct{}, cap(out))

	for _, r := range append(append([]Repo{}, t.Repos...), t.Dependencies...) {
		if _, ok := seen[r.ID]; ok {
			continue
		}

		seen[r.ID] = struct{}{}
		out = append(out, r)
	}

	return out
}

// HasRepo reports whether repoID is one of the trigger's own repos.
func (t *Trigger) HasRepo(repoID uint) bool {
	for _, r := range t.Repos {
		if r.ID == repoID {
			return true
		}
	}

	return false
}

// TriggerCustom overrides a trigger for one bundle.
type TriggerCustom struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	BundleID    uint   `gorm:"uniqueIndex:idx_custom_bundle_trigger;not null" json:"bundle_id"`
	TriggerID   uint   `gorm:"uniqueIndex:idx_custom_bundle_trigger;not null" json:"trigger_id"`
	ConfigID    *uint  `json:"config_id"`
	ExtraParams string `json:"extra_params"`
}

// Batch is one resolved test run of a bundle.
type Batch struct {
	ID          uint         `gorm:"primaryKey" json:"id"`
	BundleID    uint         `gorm:"index;not null" json:"bundle_id"`
	Bundle      *Bundle      `json:"bundle,omitempty"`
	Category    string       `gorm:"index;not null" json:"category"`
	State       string       `gorm:"index;not null" json:"state"`
	LastUpdate  time.Time    `json:"last_update"`
	HasWarning  bool         `json:"has_warning"`
	CommitLinks []CommitLink `gorm:"foreignKey:BatchID" json:"commit_links,omitempty"`
	Slots       []BatchSlot  `gorm:"foreignKey:BatchID" json:"slots,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// BatchLog is an operator-visible message attached to a batch.
type BatchLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	BatchID   uint      `gorm:"index;not null" json:"batch_id"`
	Level     string    `gorm:"not null" json:"level"`
	Message   string    `gorm:"type:text" json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// CommitLink is a commit resolved for a batch with its provenance.
type CommitLink struct {
	ID                uint    `gorm:"primaryKey" json:"id"`
	BatchID           *uint   `gorm:"index" json:"batch_id"`
	CommitID          uint    `gorm:"index;not null" json:"commit_id"`
	Commit            *Commit `json:"commit,omitempty"`
	BranchID          *uint   `json:"branch_id"`
	Branch            *Branch `json:"branch,omitempty"`
	MatchType         string  `gorm:"index;not null" json:"match_type"`
	BaseCommitID      *uint   `json:"base_commit_id"`
	BaseCommit        *Commit `json:"base_commit,omitempty"`
	MergeBaseCommitID *uint   `gorm:"index" json:"merge_base_commit_id"`
	BaseAhead         int     `json:"base_ahead"`
	BaseBehind        int     `json:"base_behind"`
	FileChanged       int     `json:"file_changed"`
	DiffAdd           int     `json:"diff_add"`
	DiffRemove        int     `json:"diff_remove"`
}

// BuildParams is the immutable configuration of a build.
type BuildParams struct {
	ID                 uint              `gorm:"primaryKey" json:"id"`
	Fingerprint        *string           `gorm:"uniqueIndex" json:"fingerprint"`
	VersionID          uint              `gorm:"index;not null" json:"version_id"`
	Version            *Version          `json:"version,omitempty"`
	ProjectID          uint              `gorm:"index;not null" json:"project_id"`
	TriggerID          *uint             `gorm:"index" json:"trigger_id"`
	Trigger            *Trigger          `json:"trigger,omitempty"`
	CreateBatchID      *uint             `json:"create_batch_id"`
	Category           string            `gorm:"index" json:"category"`
	ConfigID           uint              `gorm:"index;not null" json:"config_id"`
	Config             *BuildConfig      `json:"config,omitempty"`
	ConfigData         datatypes.JSONMap `gorm:"type:json" json:"config_data,omitempty"`
	ExtraParams        string            `json:"extra_params"`
	Modules            string            `json:"modules"`
	DockerfileID       *uint             `json:"dockerfile_id"`
	Dockerfile         *Dockerfile       `json:"dockerfile,omitempty"`
	SkipRequirements   bool              `json:"skip_requirements"`
	UpgradeFromBuildID *uint             `json:"upgrade_from_build_id"`
	UpgradeToBuildID   *uint             `json:"upgrade_to_build_id"`
	DumpDatabaseID     *uint             `json:"dump_database_id"`
	CommitLinks        []CommitLink      `gorm:"many2many:params_commit_links" json:"commit_links,omitempty"`
	ReferenceBuilds    []Build           `gorm:"many2many:params_reference_builds;joinForeignKey:ParamsID;joinReferences:BuildID" json:"reference_builds,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// BeforeUpdate rejects every update of stored params.
func (p *BuildParams) BeforeUpdate(*gorm.DB) error {
	return ErrParamsImmutable
}

// BatchSlot links a batch to the build selected for a trigger.
type BatchSlot struct {
	ID        uint         `gorm:"primaryKey" json:"id"`
	BatchID   uint         `gorm:"index;not null" json:"batch_id"`
	Batch     *Batch       `json:"batch,omitempty"`
	TriggerID uint         `gorm:"index;not null" json:"trigger_id"`
	Trigger   *Trigger     `json:"trigger,omitempty"`
	ParamsID  uint         `gorm:"index;not null" json:"params_id"`
	Params    *BuildParams `json:"params,omitempty"`
	BuildID   *uint        `gorm:"index" json:"build_id"`
	Build     *Build       `json:"build,omitempty"`
	LinkType  string       `gorm:"not null" json:"link_type"`
	Active    bool         `gorm:"index" json:"active"`
	Skipped   bool         `json:"skipped"`
}

// Build is one test execution, organised as a tree.
type Build struct {
	ID              uint         `gorm:"primaryKey" json:"id"`
	ParamsID        uint         `gorm:"index;not null" json:"params_id"`
	Params          *BuildParams `json:"params,omitempty"`
	ParentID        *uint        `gorm:"index" json:"parent_id"`
	ParentPath      string       `gorm:"index" json:"parent_path"`
	OrphanResult    bool         `json:"orphan_result"`
	Description     string       `json:"description"`
	BuildType       string       `gorm:"not null;default:normal" json:"build_type"`
	LocalState      bs.State     `gorm:"type:text;index;not null" json:"local_state"`
	LocalResult     bs.Result    `gorm:"type:text" json:"local_result"`
	GlobalState     bs.State     `gorm:"type:text;index" json:"global_state"`
	GlobalResult    bs.Result    `gorm:"type:text" json:"global_result"`
	TriggeredResult bs.Result    `gorm:"type:text" json:"triggered_result"`
	RequestedAction bs.Action    `gorm:"type:text;index" json:"requested_action"`
	ActiveStepID    *uint        `json:"active_step_id"`
	ActiveStep      *Step        `json:"active_step,omitempty"`
	Host            string       `gorm:"index" json:"host"`
	KeepHost        bool         `json:"keep_host"`
	KeepRunning     bool         `json:"keep_running"`
	NoAutoRun       bool         `json:"no_auto_run"`
	Port            int          `json:"port"`
	Killable        bool         `json:"killable"`
	GCDelay         int          `json:"gc_delay"`
	JobStart        *time.Time   `json:"job_start"`
	JobEnd          *time.Time   `json:"job_end"`
	BuildStart      *time.Time   `json:"build_start"`
	BuildEnd        *time.Time   `json:"build_end"`
	DockerStart     *time.Time   `json:"docker_start"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// SetLocalResult tightens the local result. Loosening it is rejected and
// leaves the build untouched.
func (b *Build) SetLocalResult(r bs.Result) error {
	if err := bs.CheckResultWrite(b.LocalResult, r); err != nil {
		return fmt.Errorf("build %d: %w", b.ID, err)
	}

	b.LocalResult = r

	return nil
}

// Ancestors returns the ids on the path from the root to the build's
// parent.
func (b *Build) Ancestors() []uint {
	ids := make([]uint, 0, strings.Count(b.ParentPath, "/"))

	for _, part := range strings.Split(b.ParentPath, "/") {
		if part == "" {
			continue
		}

		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil || uint(id) == b.ID {
			continue
		}

		ids = append(ids, uint(id))
	}

	return ids
}

// TopParentID returns the id of the root of the build's tree.
func (b *Build) TopParentID() uint {
	if a := b.Ancestors(); len(a) > 0 {
		return a[0]
	}

	return b.ID
}

var destSanitizer = strings.NewReplacer(`"`, "", "'", "", "~", "", ":", "", "_", "-", "/", "-", ".", "-")

// Dest is the workspace directory name of a build: its zero padded id
// followed by the sanitized version name. Params.Version must be loaded.
func (b *Build) Dest() string {
	nickname := ""
	if b.Params != nil && b.Params.Version != nil {
		nickname = destSanitizer.Replace(b.Params.Version.Name)
	}

	if len(nickname) > 32 {
		nickname = nickname[:32]
	}

	return strings.ToLower(fmt.Sprintf("%05d-%s", b.ID, nickname))
}

// ContainerName is the name of the container running step for the build.
func (b *Build) ContainerName(step string) string {
	return b.Dest() + "_" + step
}

var destPattern = regexp.MustCompile(`^(\d+)-.+`)

// BuildIDFromDest extracts the build id from a workspace or database name.
func BuildIDFromDest(dest string) (uint, bool) {
	m := destPattern.FindStringSubmatch(dest)
	if m == nil {
		return 0, false
	}

	id, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}

	return uint(id), true
}

// BuildLog is an operator-visible message attached to a build.
type BuildLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	BuildID   uint      `gorm:"index;not null" json:"build_id"`
	Level     string    `gorm:"not null" json:"level"`
	Func      string    `json:"func"`
	Type      string    `json:"type"`
	Message   string    `gorm:"type:text" json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// BuildStat is a numeric statistic produced by a step.
type BuildStat struct {
	ID      uint    `gorm:"primaryKey" json:"id"`
	BuildID uint    `gorm:"index;not null" json:"build_id"`
	StepID  *uint   `json:"step_id"`
	Key     string  `gorm:"not null" json:"key"`
	Value   float64 `json:"value"`
}

// Database is a per-build database created by a step.
type Database struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	BuildID uint   `gorm:"index;not null" json:"build_id"`
	Name    string `gorm:"uniqueIndex;not null" json:"name"`
}

// CommitStatus is the last status reported for a commit and context.
type CommitStatus struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	CommitID    uint      `gorm:"uniqueIndex:idx_status_commit_context;not null" json:"commit_id"`
	Context     string    `gorm:"uniqueIndex:idx_status_commit_context;not null" json:"context"`
	State       string    `gorm:"not null" json:"state"`
	TargetURL   string    `json:"target_url"`
	Description string    `json:"description"`
	SentAt      time.Time `json:"sent_at"`
}

func truncateLog(message string) string {
	if len(message) <= maxLogMessage {
		return message
	}

	cut := maxLogMessage
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}

	return message[:cut] + "[Truncate, message too long]"
}
