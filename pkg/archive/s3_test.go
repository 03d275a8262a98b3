package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/runboor/pkg/config"
)

func TestResolvePrefix(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		dest   string
		want   string
	}{
		{name: "default prefix", dest: "00042-master", want: "builds/00042-master/logs"},
		{name: "custom prefix", prefix: "ci/archive", dest: "00042-master", want: "ci/archive/00042-master/logs"},
		{name: "trailing slash stripped", prefix: "ci/", dest: "00007-17-0", want: "ci/00007-17-0/logs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &s3Archiver{cfg: &config.S3ArchiveConfig{Prefix: tt.prefix}}
			assert.Equal(t, tt.want, a.resolvePrefix(tt.dest))
		})
	}
}

func TestContentType(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{path: "logs/tests.txt", want: "text/plain"},
		{path: "logs/server.log", want: "text/plain"},
		{path: "logs/coverage.json", want: "application/json"},
		{path: "logs/core", want: "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Contains(t, contentType(tt.path), tt.want)
		})
	}
}

func TestS3Archiver_Archive(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)

		mu.Lock()
		keys = append(keys, r.Method+" "+r.URL.Path)
		mu.Unlock()

		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tests.txt"), []byte("ok"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "server.log"), []byte("ok"), 0o644))

	log := logrus.New()
	log.SetOutput(io.Discard)

	a, err := NewS3Archiver(log, &config.S3ArchiveConfig{
		Enabled:         true,
		EndpointURL:     srv.URL,
		Bucket:          "runboor",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		ForcePathStyle:  true,
	})
	require.NoError(t, err)

	n, err := a.Archive(context.Background(), "00042-master", dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	slices.Sort(keys)
	assert.Equal(t, []string{
		"PUT /runboor/builds/00042-master/logs/sub/server.log",
		"PUT /runboor/builds/00042-master/logs/tests.txt",
	}, keys)
}

func TestNewS3Archiver_RequiresBucket(t *testing.T) {
	_, err := NewS3Archiver(logrus.New(), &config.S3ArchiveConfig{})
	require.Error(t, err)
}

func TestNoopArchiver(t *testing.T) {
	n, err := NewNoopArchiver().Archive(context.Background(), "00001-master", t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, n)
}
