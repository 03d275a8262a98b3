// Package steps runs the individual steps of a build configuration.
package steps

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	bs "github.com/ethpandaops/runboor/pkg/buildstate"
	"github.com/ethpandaops/runboor/pkg/store"
)

// Executor names.
const (
	ExecutorContainer = "container"
	ExecutorSpawn     = "spawn"
)

// Job is one step execution of a build.
type Job struct {
	Build *store.Build
	Step  *store.Step
	// ContainerName overrides the container name derived from the step.
	ContainerName string
}

// Name returns the name of the container running the job.
func (j *Job) Name() string {
	if j.ContainerName != "" {
		return j.ContainerName
	}

	return j.Build.ContainerName(j.Step.Name)
}

// Result is the outcome of a finished step.
type Result struct {
	Result bs.Result
	Stats  map[string]float64
}

// Executor runs one kind of step.
type Executor interface {
	// Container reports whether Run leaves a container behind that the
	// scheduler must observe until it exits.
	Container() bool
	// Run launches the step. Container steps return once started, other
	// steps complete within Run.
	Run(ctx context.Context, job *Job) error
	// Results reads the outcome of a finished step.
	Results(ctx context.Context, job *Job) (*Result, error)
}

// Registry resolves executors by name.
type Registry interface {
	Register(name string, e Executor)
	Get(name string) (Executor, error)
	Names() []string
}

// Compile-time interface check.
var _ Registry = (*registry)(nil)

type registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() Registry {
	return &registry{executors: make(map[string]Executor, 2)}
}

func (r *registry) Register(name string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.executors[name] = e
}

func (r *registry) Get(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[name]
	if !ok {
		return nil, fmt.Errorf("unknown step executor %q", name)
	}

	return e, nil
}

func (r *registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// decodeParams decodes the JSON params of a step into out. JSON numbers
// decode as float64, hence the weak typing.
func decodeParams(step *store.Step, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("creating params decoder: %w", err)
	}

	if err := dec.Decode(map[string]any(step.Params)); err != nil {
		return fmt.Errorf("decoding params of step %s: %w", step.Name, err)
	}

	return nil
}
