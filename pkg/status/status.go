// Package status reports build outcomes as commit statuses.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ethpandaops/runboor/pkg/config"
	"github.com/ethpandaops/runboor/pkg/store"
)

// Commit status states.
const (
	StatePending = "pending"
	StateSuccess = "success"
	StateFailure = "failure"
	StateError   = "error"
)

const (
	githubHTTPTimeout   = 10 * time.Second
	maxDescriptionChars = 140
)

// Status is one commit status to publish.
type Status struct {
	Commit      *store.Commit
	Context     string
	State       string
	TargetURL   string
	Description string
}

// Reporter publishes commit statuses.
type Reporter interface {
	Report(ctx context.Context, st *Status) error
}

// NewNoopReporter returns a Reporter that drops every status.
func NewNoopReporter() Reporter {
	return noopReporter{}
}

type noopReporter struct{}

func (noopReporter) Report(context.Context, *Status) error { return nil }

// Compile-time interface check.
var _ Reporter = (*githubReporter)(nil)

type githubReporter struct {
	log     logrus.FieldLogger
	cfg     *config.StatusConfig
	store   store.Store
	client  *http.Client
	limiter *rate.Limiter
}

// NewGitHubReporter creates a Reporter posting to the GitHub statuses API.
// The last status sent per commit and context is stored and identical
// reports are skipped.
func NewGitHubReporter(log logrus.FieldLogger, cfg *config.StatusConfig, s store.Store) Reporter {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}

	return &githubReporter{
		log:     log.WithField("component", "status"),
		cfg:     cfg,
		store:   s,
		client:  &http.Client{Timeout: githubHTTPTimeout},
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60), 1),
	}
}

type githubStatusRequest struct {
	State       string `json:"state"`
	TargetURL   string `json:"target_url,omitempty"`
	Description string `json:"description,omitempty"`
	Context     string `json:"context"`
}

func (r *githubReporter) Report(ctx context.Context, st *Status) error {
	if st.Commit == nil || st.Commit.Repo == nil || st.Commit.Repo.GithubName == "" {
		return errors.New("commit has no github repository")
	}

	if len(st.Description) > maxDescriptionChars {
		st.Description = st.Description[:maxDescriptionChars]
	}

	log := r.log.WithFields(logrus.Fields{
		"repo":    st.Commit.Repo.GithubName,
		"commit":  st.Commit.Hash,
		"context": st.Context,
		"state":   st.State,
	})

	last, err := r.store.GetCommitStatus(ctx, st.Commit.ID, st.Context)
	if err != nil && !store.IsNotFound(err) {
		return err
	}

	if last != nil && last.State == st.State && last.TargetURL == st.TargetURL && last.Description == st.Description {
		log.Debug("Skipping identical commit status")

		return nil
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	body, err := json.Marshal(githubStatusRequest{
		State:       st.State,
		TargetURL:   st.TargetURL,
		Description: st.Description,
		Context:     st.Context,
	})
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}

	url := fmt.Sprintf("%s/repos/%s/statuses/%s",
		strings.TrimSuffix(r.cfg.APIURL, "/"), st.Commit.Repo.GithubName, st.Commit.Hash)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	if r.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		return fmt.Errorf("github returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := r.store.UpsertCommitStatus(ctx, &store.CommitStatus{
		CommitID:    st.Commit.ID,
		Context:     st.Context,
		State:       st.State,
		TargetURL:   st.TargetURL,
		Description: st.Description,
	}); err != nil {
		return err
	}

	log.Info("Reported commit status")

	return nil
}
