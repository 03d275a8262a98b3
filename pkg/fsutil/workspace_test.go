package fsutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/runboor/pkg/fsutil"
)

func TestParseOwner(t *testing.T) {
	tests := []struct {
		in      string
		want    *fsutil.Owner
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "1000:1000", want: &fsutil.Owner{UID: 1000, GID: 1000}},
		{in: "1000", wantErr: true},
		{in: "a:1", wantErr: true},
		{in: "1:b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := fsutil.ParseOwner(tt.in)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWorkspace(t *testing.T) {
	ws, err := fsutil.NewWorkspace(t.TempDir(), "")
	require.NoError(t, err)

	assert.False(t, ws.Exists("00001-master"))

	require.NoError(t, ws.MkdirAll("00001-master", fsutil.LogsDir, fsutil.DataDir))
	assert.True(t, ws.Exists("00001-master"))
	assert.DirExists(t, filepath.Join(ws.Root, "00001-master", "datadir"))

	require.NoError(t, ws.WriteFile("00001-master", "logs/run.txt", []byte("hello")))

	data, err := os.ReadFile(ws.Path("00001-master", fsutil.LogsDir, "run.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, os.WriteFile(filepath.Join(ws.Root, "stray.txt"), nil, 0o600))

	names, err := ws.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"00001-master"}, names)
}
