package podman

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQualifyImageName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "runboor/default:latest", want: "docker.io/runboor/default:latest"},
		{in: "postgres:16", want: "docker.io/library/postgres:16"},
		{in: "ghcr.io/acme/runner:1", want: "ghcr.io/acme/runner:1"},
		{in: "localhost:5000/runner", want: "localhost:5000/runner"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, qualifyImageName(tt.in))
		})
	}
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(errors.New("no such container: 00001-master_run")))
	assert.False(t, isNotFound(errors.New("connection refused")))
}
