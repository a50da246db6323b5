package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem is matched by errors from OpenSQLite when the
// database would live on a network mount.
var ErrNetworkFilesystem = errors.New("sqlite database on network filesystem")

// NetworkFSError names the mount type that was refused.
type NetworkFSError struct {
	Path   string
	FSType string
}

func (e *NetworkFSError) Error() string {
	return fmt.Sprintf("queue database %q is on a %s mount; sqlite locking is unreliable there, move state.path to local disk or use the postgres or redis driver", e.Path, e.FSType)
}

func (e *NetworkFSError) Is(target error) bool { return target == ErrNetworkFilesystem }

var remoteMounts = []string{"afpfs", "cifs", "nfs", "nfs4", "smb2", "smbfs", "webdav"}

// filesystemOf is swapped in tests.
var filesystemOf = filesystemName

func checkLocalFilesystem(path string) error {
	if path == "" {
		return errors.New("sqlite path is empty")
	}
	dir, err := existingAncestor(path)
	if err != nil {
		return err
	}
	fsType, err := filesystemOf(dir)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", dir, err)
	}
	if isRemoteMount(fsType) {
		return &NetworkFSError{Path: path, FSType: fsType}
	}
	return nil
}

// existingAncestor walks up from path until it hits something that exists,
// so a database file that is about to be created can still be checked.
func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	for p := abs; ; p = filepath.Dir(p) {
		_, err := os.Stat(p)
		switch {
		case err == nil:
			return p, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat %q: %w", p, err)
		case filepath.Dir(p) == p:
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
	}
}

func isRemoteMount(fsType string) bool {
	fsType = strings.ToLower(strings.TrimSpace(fsType))
	for _, m := range remoteMounts {
		if fsType == m {
			return true
		}
	}
	return false
}
