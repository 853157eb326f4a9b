package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Network mounts where flock and SQLite locking are unreliable.
var remoteFilesystems = map[string]struct{}{
	"afpfs":  {},
	"afs":    {},
	"cifs":   {},
	"nfs":    {},
	"smb2":   {},
	"smbfs":  {},
	"webdav": {},
}

// RemoteFilesystemError reports a state or output path that lives on a
// network mount.
type RemoteFilesystemError struct {
	Setting string // config key the path came from, e.g. output.base_dir
	Path    string
	FSType  string
}

func (e *RemoteFilesystemError) Error() string {
	return fmt.Sprintf("%s %q is on %s; resume files and the run ledger need local disk for locking, move %s to a local path",
		e.Setting, e.Path, e.FSType, e.Setting)
}

// RequireLocalFilesystem checks that path, or its nearest existing parent
// when it has not been created yet, is on local disk. setting names the
// config key in the error.
func RequireLocalFilesystem(path, setting string) error {
	return checkLocal(path, setting, detectFilesystemType)
}

func checkLocal(path, setting string, detect func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("%s is not set", setting)
	}

	probe, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("%s: %w", setting, err)
	}
	fsType, err := detect(probe)
	if err != nil {
		return fmt.Errorf("%s: detect filesystem of %s: %w", setting, probe, err)
	}
	if isRemoteFilesystem(fsType) {
		return &RemoteFilesystemError{Setting: setting, Path: path, FSType: fsType}
	}
	return nil
}

// existingAncestor walks up from path until it finds something that exists.
// Output and state directories are created lazily, so the path itself may not.
func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for dir := abs; ; dir = filepath.Dir(dir) {
		_, err := os.Stat(dir)
		switch {
		case err == nil:
			return dir, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		case filepath.Dir(dir) == dir:
			return "", fmt.Errorf("no existing parent of %s", abs)
		}
	}
}

func isRemoteFilesystem(fsType string) bool {
	_, ok := remoteFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
	return ok
}
