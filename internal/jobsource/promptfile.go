package jobsource

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/mattjoyce/renderbatch/internal/dispatch"
)

type promptFile struct {
	Prompts *[]map[string]any `json:"prompts"`
}

// LoadPromptFile reads {"prompts":[{"name","prompt",...}]} or a bare list.
// Extra string fields on an entry are kept as job metadata.
func LoadPromptFile(path string) ([]dispatch.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file: %w", err)
	}

	var entries []map[string]any
	if err := json.Unmarshal(data, &entries); err != nil {
		var pf promptFile
		if err2 := json.Unmarshal(data, &pf); err2 != nil {
			return nil, fmt.Errorf("failed to parse prompt file %s: %w", path, err2)
		}
		if pf.Prompts == nil {
			return nil, fmt.Errorf("%s: missing \"prompts\" list", path)
		}
		entries = *pf.Prompts
	}

	jobs := make([]dispatch.Job, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		name, _ := e["name"].(string)
		prompt, _ := e["prompt"].(string)
		if name == "" {
			return nil, fmt.Errorf("%s: prompts[%d]: name is required", path, i)
		}
		if prompt == "" {
			return nil, fmt.Errorf("%s: prompt %q is empty", path, name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%s: duplicate prompt name %q", path, name)
		}
		seen[name] = struct{}{}

		var meta map[string]string
		for k, v := range e {
			s, ok := v.(string)
			if !ok || k == "name" || k == "prompt" {
				continue
			}
			if meta == nil {
				meta = map[string]string{}
			}
			meta[k] = s
		}
		jobs = append(jobs, dispatch.Job{Name: name, Prompt: prompt, Meta: meta})
	}
	return jobs, nil
}

// SavePrompts writes jobs as {"prompts":[...]} for reference and reuse.
func SavePrompts(path string, jobs []dispatch.Job) error {
	entries := make([]map[string]string, 0, len(jobs))
	for _, j := range jobs {
		e := make(map[string]string, len(j.Meta)+2)
		for k, v := range j.Meta {
			e[k] = v
		}
		e["name"] = j.Name
		e["prompt"] = j.Prompt
		entries = append(entries, e)
	}

	data, err := json.MarshalIndent(struct {
		Prompts []map[string]string `json:"prompts"`
	}{entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal prompts: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create prompts dir: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write prompts: %w", err)
	}
	return nil
}

// FilterCompleted drops jobs whose names are in completed, keeping order.
func FilterCompleted(jobs []dispatch.Job, completed map[string]struct{}) (remaining []dispatch.Job, skipped []string) {
	remaining = make([]dispatch.Job, 0, len(jobs))
	for _, j := range jobs {
		if _, done := completed[j.Name]; done {
			skipped = append(skipped, j.Name)
			continue
		}
		remaining = append(remaining, j)
	}
	sort.Strings(skipped)
	return remaining, skipped
}
