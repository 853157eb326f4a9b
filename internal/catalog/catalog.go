// Package catalog keeps the image catalog manifest in step with the images
// directory and derives display names and categories from file names.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Catalog is the image-catalog.json manifest. Categories and any keys the
// tool does not model are carried verbatim.
type Catalog struct {
	Images     []Image
	Categories json.RawMessage
	Extra      map[string]json.RawMessage
}

// Image is one catalog entry. Series is nil when the key is absent so an
// explicit empty string survives a rewrite.
type Image struct {
	Filename    string
	DisplayName string
	Description string
	Category    string
	Series      *string
	Extra       map[string]json.RawMessage
}

type catalogFields struct {
	Images     []Image         `json:"images"`
	Categories json.RawMessage `json:"categories,omitempty"`
}

type imageFields struct {
	Filename    string  `json:"filename"`
	DisplayName string  `json:"displayName"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Series      *string `json:"series,omitempty"`
}

var (
	catalogKeys = []string{"images", "categories"}
	imageKeys   = []string{"filename", "displayName", "description", "category", "series"}
)

func (c *Catalog) UnmarshalJSON(data []byte) error {
	var known catalogFields
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	extra, err := extraFields(data, catalogKeys)
	if err != nil {
		return err
	}
	*c = Catalog{Images: known.Images, Categories: known.Categories, Extra: extra}
	return nil
}

func (c Catalog) MarshalJSON() ([]byte, error) {
	images := c.Images
	if images == nil {
		images = []Image{}
	}
	return withExtra(catalogFields{Images: images, Categories: c.Categories}, c.Extra)
}

func (img *Image) UnmarshalJSON(data []byte) error {
	var known imageFields
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	extra, err := extraFields(data, imageKeys)
	if err != nil {
		return err
	}
	*img = Image{
		Filename:    known.Filename,
		DisplayName: known.DisplayName,
		Description: known.Description,
		Category:    known.Category,
		Series:      known.Series,
		Extra:       extra,
	}
	return nil
}

func (img Image) MarshalJSON() ([]byte, error) {
	return withExtra(imageFields{
		Filename:    img.Filename,
		DisplayName: img.DisplayName,
		Description: img.Description,
		Category:    img.Category,
		Series:      img.Series,
	}, img.Extra)
}

// extraFields returns the members of a JSON object not named in known, or nil.
func extraFields(data []byte, known []string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// withExtra encodes the modelled fields, then appends extra members sorted by key.
func withExtra(known any, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := encodeCompact(known)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return data, nil
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.Write(data[:len(data)-1])
	for _, k := range keys {
		name, err := encodeCompact(k)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(extra[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func encodeCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Load reads a catalog manifest.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	return &c, nil
}

// Save writes the catalog sorted by filename with 2-space indentation and a
// trailing newline.
func Save(path string, c *Catalog) error {
	sort.SliceStable(c.Images, func(i, j int) bool { return c.Images[i].Filename < c.Images[j].Filename })
	data, err := marshalIndent(c)
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}
	return writeFileAtomic(path, data)
}

// Filenames returns the set of catalogued file names.
func (c *Catalog) Filenames() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Images))
	for _, img := range c.Images {
		set[img.Filename] = struct{}{}
	}
	return set
}

func marshalIndent(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
