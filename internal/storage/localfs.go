package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// NetworkFilesystemError reports a state path that lives on a network mount.
// SQLite file locking is unreliable there, so the database is refused.
type NetworkFilesystemError struct {
	Path   string
	FSType string
}

func (e *NetworkFilesystemError) Error() string {
	return fmt.Sprintf("state path %q is on network filesystem %q; move state.path to a local disk", e.Path, e.FSType)
}

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"nfs4":   {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

type fsDetector func(path string) (string, error)

// CheckLocalFilesystem resolves the nearest existing ancestor of path and
// fails with *NetworkFilesystemError when it sits on a network mount.
// Platforms without detection pass.
func CheckLocalFilesystem(path string) error {
	return checkLocalFilesystem(path, filesystemType)
}

func checkLocalFilesystem(path string, detect fsDetector) error {
	if path == "" {
		return fmt.Errorf("state path is empty")
	}
	existing, err := nearestExisting(path)
	if err != nil {
		return fmt.Errorf("resolve state path %q: %w", path, err)
	}
	fsType, err := detect(existing)
	if errors.Is(err, errUnsupportedPlatform) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	if isNetworkFilesystem(fsType) {
		return &NetworkFilesystemError{Path: path, FSType: fsType}
	}
	return nil
}

var errUnsupportedPlatform = errors.New("filesystem detection unsupported")

func nearestExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for candidate := abs; ; {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, ok := networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
	return ok
}
