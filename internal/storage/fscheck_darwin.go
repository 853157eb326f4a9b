//go:build darwin

package storage

import "golang.org/x/sys/unix"

// detectFilesystemType returns the mount's f_fstypename, e.g. apfs or smbfs.
func detectFilesystemType(path string) (string, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(st.Fstypename[:]), nil
}
