package status_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/runboor/pkg/config"
	"github.com/ethpandaops/runboor/pkg/status"
	"github.com/ethpandaops/runboor/pkg/store/storetest"
)

func TestGitHubReporter_PostsAndDeduplicates(t *testing.T) {
	var (
		calls   atomic.Int32
		lastReq map[string]string
		path    string
		auth    string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		path = r.URL.Path
		auth = r.Header.Get("Authorization")

		require.NoError(t, json.NewDecoder(r.Body).Decode(&lastReq))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := storetest.New(t)
	f := storetest.Seed(t, s)
	ctx := context.Background()

	commit := f.Commit(t, f.Server.ID, "abc123")

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	r := status.NewGitHubReporter(log, &config.StatusConfig{
		APIURL:            srv.URL,
		Token:             "secret",
		RequestsPerMinute: 6000,
	}, s)

	st := &status.Status{
		Commit:      commit,
		Context:     "ci/runboor",
		State:       status.StatePending,
		TargetURL:   "http://runboor.local/build/1",
		Description: "build pending",
	}

	require.NoError(t, r.Report(ctx, st))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "/repos/acme/server/statuses/abc123", path)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "pending", lastReq["state"])
	assert.Equal(t, "ci/runboor", lastReq["context"])

	// Identical status is not resent.
	require.NoError(t, r.Report(ctx, st))
	assert.Equal(t, int32(1), calls.Load())

	st.State = status.StateSuccess
	require.NoError(t, r.Report(ctx, st))
	assert.Equal(t, int32(2), calls.Load())

	saved, err := s.GetCommitStatus(ctx, commit.ID, "ci/runboor")
	require.NoError(t, err)
	assert.Equal(t, status.StateSuccess, saved.State)
}

func TestGitHubReporter_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := storetest.New(t)
	f := storetest.Seed(t, s)
	ctx := context.Background()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	r := status.NewGitHubReporter(log, &config.StatusConfig{APIURL: srv.URL, RequestsPerMinute: 6000}, s)

	commit := f.Commit(t, f.Server.ID, "abc123")
	err := r.Report(ctx, &status.Status{Commit: commit, Context: "ci", State: status.StateFailure})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	_, err = s.GetCommitStatus(ctx, commit.ID, "ci")
	require.Error(t, err)

	commit.Repo = nil
	require.Error(t, r.Report(ctx, &status.Status{Commit: commit, Context: "ci", State: status.StateFailure}))
}
