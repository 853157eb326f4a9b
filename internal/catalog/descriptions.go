package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
)

// DescriptionsReport summarises a descriptions sync.
type DescriptionsReport struct {
	Previous int
	Final    int
	Added    []string
	Removed  []string // no longer catalogued
	Skipped  []string // catalogued with an empty description
}

// SyncDescriptions backfills the filename → description map at path from the
// catalog and drops entries for files no longer catalogued. Existing
// descriptions are never overwritten.
func SyncDescriptions(c *Catalog, path string) (*DescriptionsReport, error) {
	descriptions := map[string]string{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read descriptions: %w", err)
	default:
		if err := json.Unmarshal(data, &descriptions); err != nil {
			return nil, fmt.Errorf("failed to parse descriptions %s: %w", path, err)
		}
	}

	rep := &DescriptionsReport{Previous: len(descriptions)}
	catalogued := c.Filenames()

	for name := range descriptions {
		if _, ok := catalogued[name]; !ok {
			rep.Removed = append(rep.Removed, name)
			delete(descriptions, name)
		}
	}
	for _, img := range c.Images {
		if _, ok := descriptions[img.Filename]; ok {
			continue
		}
		if img.Description == "" {
			rep.Skipped = append(rep.Skipped, img.Filename)
			continue
		}
		descriptions[img.Filename] = img.Description
		rep.Added = append(rep.Added, img.Filename)
	}
	sort.Strings(rep.Added)
	sort.Strings(rep.Removed)
	sort.Strings(rep.Skipped)
	rep.Final = len(descriptions)

	// encoding/json writes map keys sorted.
	out, err := marshalIndent(descriptions)
	if err != nil {
		return nil, fmt.Errorf("marshal descriptions: %w", err)
	}
	if err := writeFileAtomic(path, out); err != nil {
		return nil, err
	}
	return rep, nil
}
