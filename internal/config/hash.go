package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest name written next to the config file.
const ChecksumFile = ".checksums"

// ChecksumManifest maps config-relative paths to BLAKE3 hashes.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// HashUpdateFileResult captures checksum generation outcome for one file.
type HashUpdateFileResult struct {
	Key    string
	Path   string
	Exists bool
	Hash   string
}

// HashUpdateReport captures checksum generation details for a config directory.
type HashUpdateReport struct {
	ConfigDir    string
	ChecksumPath string
	Written      bool
	Files        []HashUpdateFileResult
}

// IntegrityResult collects verification findings without failing fast.
type IntegrityResult struct {
	Passed   bool
	Warnings []string
	Errors   []string
}

// LockedFiles lists the files whose content a run depends on: the config
// itself and every group's prompt source.
func LockedFiles(cfg *Config) []string {
	var files []string
	if cfg.SourcePath != "" {
		files = append(files, cfg.SourcePath)
	}
	for _, g := range cfg.Groups {
		if g.Prompts != "" {
			files = append(files, g.Prompts)
		}
		if g.Matrix != "" {
			files = append(files, g.Matrix)
		}
	}
	return files
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}
	return nil
}

// manifestKey names a file relative to configDir when it lives beneath it.
func manifestKey(configDir, path string) string {
	rel, err := filepath.Rel(configDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// GenerateChecksumsWithReport hashes files and optionally writes .checksums.
// Missing files are reported and left out of the manifest.
func GenerateChecksumsWithReport(configDir string, files []string, dryRun bool) (*HashUpdateReport, error) {
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string),
	}

	report := &HashUpdateReport{
		ConfigDir:    configDir,
		ChecksumPath: filepath.Join(configDir, ChecksumFile),
		Files:        make([]HashUpdateFileResult, 0, len(files)),
	}

	for _, path := range files {
		key := manifestKey(configDir, path)

		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			report.Files = append(report.Files, HashUpdateFileResult{Key: key, Path: path})
			continue
		}

		hash, err := ComputeBlake3Hash(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", key, err)
		}
		manifest.Hashes[key] = hash
		report.Files = append(report.Files, HashUpdateFileResult{Key: key, Path: path, Exists: true, Hash: hash})
	}

	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	if err := os.WriteFile(report.ChecksumPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	report.Written = true

	return report, nil
}

// LoadChecksums reads the .checksums file from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	checksumPath := filepath.Join(configDir, ChecksumFile)

	data, err := os.ReadFile(checksumPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found (run 'renderbatch config lock'): %w", err)
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// VerifyIntegrity checks files against .checksums and collects every finding.
// A missing manifest is a warning: integrity checking is opt-in via config lock.
func VerifyIntegrity(configDir string, files []string) (*IntegrityResult, error) {
	result := &IntegrityResult{Passed: true}

	manifest, err := LoadChecksums(configDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("no %s manifest in %s; run 'renderbatch config lock' to enable integrity verification", ChecksumFile, configDir))
			return result, nil
		}
		return nil, err
	}

	for _, path := range files {
		key := manifestKey(configDir, path)
		expected, ok := manifest.Hashes[key]

		if _, statErr := os.Stat(path); errors.Is(statErr, fs.ErrNotExist) {
			if ok {
				result.Passed = false
				result.Errors = append(result.Errors, fmt.Sprintf("%s is locked but missing from disk", key))
			} else {
				result.Warnings = append(result.Warnings, fmt.Sprintf("%s does not exist", key))
			}
			continue
		}

		if !ok {
			result.Passed = false
			result.Errors = append(result.Errors, fmt.Sprintf("%s has no hash in %s", key, ChecksumFile))
			continue
		}
		if err := VerifyFileHash(path, expected); err != nil {
			result.Passed = false
			result.Errors = append(result.Errors, err.Error())
		}
	}

	return result, nil
}

// verifyLockedFiles fails on the first integrity error. Without a manifest it is a no-op.
func verifyLockedFiles(configDir string, files []string) error {
	result, err := VerifyIntegrity(configDir, files)
	if err != nil {
		return err
	}
	if result.Passed {
		return nil
	}
	return fmt.Errorf("config verification failed: %s\n"+
		"If you edited these files intentionally, run: renderbatch config lock --config %s",
		strings.Join(result.Errors, "; "), configDir)
}
