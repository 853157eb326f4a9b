// Package jobsource builds the ordered job list for a batch, either from a
// prompt matrix (template × subjects × scenes × styles) or from a JSON
// prompt file.
package jobsource

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/renderbatch/internal/dispatch"
)

const (
	ModeCross    = "cross"
	ModeAssigned = "assigned"
)

// Matrix describes a combinatorial prompt set.
type Matrix struct {
	Template string   `yaml:"template"`
	Mode     string   `yaml:"mode"`
	Subjects []string `yaml:"subjects"`
	Styles   []Style  `yaml:"styles"`
	Scenes   []Scene  `yaml:"scenes"`
	Clothing []string `yaml:"clothing"`
}

type Style struct {
	Name string `yaml:"name"`
	Desc string `yaml:"desc"`
}

// Scene optionally restricts which subjects appear in it. In assigned mode
// the list is the scene's cast.
type Scene struct {
	Name     string   `yaml:"name"`
	Desc     string   `yaml:"desc"`
	Category string   `yaml:"category"`
	Subjects []string `yaml:"subjects,omitempty"`
}

// PromptData is what the template sees.
type PromptData struct {
	Subject   string
	Style     string
	StyleName string
	Scene     string
	SceneName string
	Category  string
	Clothing  string
}

// LoadMatrix reads a matrix YAML file.
func LoadMatrix(path string) (*Matrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read matrix: %w", err)
	}
	var m Matrix
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse matrix %s: %w", path, err)
	}
	if m.Mode == "" {
		m.Mode = ModeCross
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid matrix %s: %w", path, err)
	}
	return &m, nil
}

func (m *Matrix) Validate() error {
	if strings.TrimSpace(m.Template) == "" {
		return fmt.Errorf("template is required")
	}
	if m.Mode != ModeCross && m.Mode != ModeAssigned {
		return fmt.Errorf("mode must be %q or %q (got %q)", ModeCross, ModeAssigned, m.Mode)
	}
	if len(m.Styles) == 0 {
		return fmt.Errorf("at least one style is required")
	}
	if len(m.Scenes) == 0 {
		return fmt.Errorf("at least one scene is required")
	}
	for i, st := range m.Styles {
		if st.Name == "" {
			return fmt.Errorf("styles[%d]: name is required", i)
		}
	}
	for i, sc := range m.Scenes {
		if sc.Name == "" {
			return fmt.Errorf("scenes[%d]: name is required", i)
		}
		if m.Mode == ModeAssigned && len(sc.Subjects) == 0 && len(m.Subjects) == 0 {
			return fmt.Errorf("scene %q has no subjects and no default subjects are set", sc.Name)
		}
	}
	if m.Mode == ModeCross && len(m.Subjects) == 0 {
		return fmt.Errorf("cross mode needs at least one subject")
	}
	return nil
}

// allows reports whether subject may appear in the scene.
func (s Scene) allows(subject string) bool {
	return len(s.Subjects) == 0 || slices.Contains(s.Subjects, subject)
}

// Build expands the matrix into jobs in a deterministic order. Cross mode
// walks subjects, then scenes, then styles. Assigned mode walks scenes and
// their subjects, giving each pair the next style in rotation. Clothing
// rotates across every job.
func (m *Matrix) Build() ([]dispatch.Job, error) {
	tmpl, err := template.New("prompt").Option("missingkey=error").Parse(m.Template)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}

	var (
		jobs     []dispatch.Job
		seen     = map[string]struct{}{}
		styleIdx int
		clothIdx int
	)
	add := func(subject string, style Style, scene Scene) error {
		data := PromptData{
			Subject:   subject,
			Style:     style.Desc,
			StyleName: style.Name,
			Scene:     scene.Desc,
			SceneName: scene.Name,
			Category:  scene.Category,
		}
		if len(m.Clothing) > 0 {
			data.Clothing = m.Clothing[clothIdx%len(m.Clothing)]
			clothIdx++
		}

		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return fmt.Errorf("render prompt for %s/%s/%s: %w", subject, style.Name, scene.Name, err)
		}

		name := fmt.Sprintf("%s_%s_%s", subject, style.Name, scene.Name)
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate job name %q", name)
		}
		seen[name] = struct{}{}

		jobs = append(jobs, dispatch.Job{
			Name:   name,
			Prompt: strings.TrimSpace(buf.String()),
			Meta: map[string]string{
				"subject":  subject,
				"style":    style.Name,
				"scene":    scene.Name,
				"category": scene.Category,
			},
		})
		return nil
	}

	if m.Mode == ModeCross {
		for _, subject := range m.Subjects {
			for _, scene := range m.Scenes {
				if !scene.allows(subject) {
					continue
				}
				for _, style := range m.Styles {
					if err := add(subject, style, scene); err != nil {
						return nil, err
					}
				}
			}
		}
		return jobs, nil
	}

	for _, scene := range m.Scenes {
		subjects := scene.Subjects
		if len(subjects) == 0 {
			subjects = m.Subjects
		}
		for _, subject := range subjects {
			style := m.Styles[styleIdx%len(m.Styles)]
			styleIdx++
			if err := add(subject, style, scene); err != nil {
				return nil, err
			}
		}
	}
	return jobs, nil
}
