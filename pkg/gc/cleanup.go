package gc

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethpandaops/runboor/pkg/fsutil"
)

// Logs of the running step and wake-ups are only useful while the build
// is alive.
var transientLogs = map[string]struct{}{
	"run.txt":     {},
	"wake_up.txt": {},
}

// partialClean keeps the logs and test artifacts of a build directory.
// Inside logs only the step .txt logs survive.
func partialClean(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		switch {
		case entry.Name() == fsutil.LogsDir && entry.IsDir():
			if err := cleanLogs(path); err != nil {
				return err
			}
		case entry.Name() == fsutil.TestsDir:
		case entry.IsDir():
			if err := removeAll(path); err != nil {
				return err
			}
		}
	}

	return nil
}

func cleanLogs(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		if entry.IsDir() {
			if err := removeAll(path); err != nil {
				return err
			}

			continue
		}

		_, transient := transientLogs[entry.Name()]
		if transient || !strings.HasSuffix(entry.Name(), ".txt") {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("removing %s: %w", path, err)
			}
		}
	}

	return nil
}

func removeAll(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}

	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
