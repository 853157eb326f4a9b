package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Diff lists the mismatches between a catalog and an images directory.
type Diff struct {
	Missing  []string // on disk, not catalogued
	Orphaned []string // catalogued, not on disk
}

func (d Diff) Empty() bool {
	return len(d.Missing) == 0 && len(d.Orphaned) == 0
}

// Report describes one reconciliation pass.
type Report struct {
	Diff
	Files   int  // *.png files on disk
	Images  int  // catalog entries after the pass
	Written bool // the catalog file was rewritten
}

// InSync reports whether the catalog matched the directory before any fix.
func (r *Report) InSync() bool { return r.Diff.Empty() }

// ListImages returns the *.png file names directly inside dir.
func ListImages(dir string) (map[string]struct{}, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("images dir: %w", err)
	}
	set := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		set[filepath.Base(m)] = struct{}{}
	}
	return set, nil
}

// Compare computes the sorted diff between a catalog and a file set.
func Compare(c *Catalog, files map[string]struct{}) Diff {
	catalogued := c.Filenames()
	var d Diff
	for f := range files {
		if _, ok := catalogued[f]; !ok {
			d.Missing = append(d.Missing, f)
		}
	}
	for f := range catalogued {
		if _, ok := files[f]; !ok {
			d.Orphaned = append(d.Orphaned, f)
		}
	}
	sort.Strings(d.Missing)
	sort.Strings(d.Orphaned)
	return d
}

// DiffDir compares a catalog with the images in dir.
func DiffDir(c *Catalog, dir string) (Diff, error) {
	files, err := ListImages(dir)
	if err != nil {
		return Diff{}, err
	}
	return Compare(c, files), nil
}

// Apply adds entries for missing files and drops orphaned ones.
func Apply(c *Catalog, d Diff) {
	if len(d.Orphaned) > 0 {
		orphaned := make(map[string]struct{}, len(d.Orphaned))
		for _, f := range d.Orphaned {
			orphaned[f] = struct{}{}
		}
		kept := c.Images[:0]
		for _, img := range c.Images {
			if _, drop := orphaned[img.Filename]; !drop {
				kept = append(kept, img)
			}
		}
		c.Images = kept
	}
	for _, f := range d.Missing {
		c.Images = append(c.Images, Image{
			Filename:    f,
			DisplayName: DisplayName(f),
			Description: "",
			Category:    Category(f),
		})
	}
}

// Reconcile compares the catalog at catalogPath with imagesDir. With fix it
// repairs the catalog and rewrites it, but only when something changed, so a
// second run is a no-op.
func Reconcile(catalogPath, imagesDir string, fix bool) (*Report, error) {
	c, err := Load(catalogPath)
	if err != nil {
		return nil, err
	}
	files, err := ListImages(imagesDir)
	if err != nil {
		return nil, err
	}

	d := Compare(c, files)
	rep := &Report{Diff: d, Files: len(files), Images: len(c.Images)}
	if !fix || d.Empty() {
		return rep, nil
	}

	Apply(c, d)
	if err := Save(catalogPath, c); err != nil {
		return nil, err
	}
	rep.Images = len(c.Images)
	rep.Written = true
	return rep, nil
}
