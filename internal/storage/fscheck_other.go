//go:build !darwin && !linux

package storage

// No statfs probe on this platform; paths are assumed local.
func detectFilesystemType(string) (string, error) {
	return "unknown", nil
}
