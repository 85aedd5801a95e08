package builder

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Locations of the pipeline definition inside a checkout, in lookup order.
var (
	manifestFiles = []string{".config/pipeline.yml", ".config/pipeline.yaml"}
	scriptFile    = ".config/pipeline.sh"
)

// Pipeline is the list of steps a repository asks to run.
type Pipeline struct {
	Name  string            `yaml:"name"`
	Env   map[string]string `yaml:"env"`
	Steps []Step            `yaml:"steps"`
}

// Step is one command of a pipeline. Exactly one of Run and Script is set.
type Step struct {
	Name string            `yaml:"name"`
	Env  map[string]string `yaml:"env"`

	// Run is a shell command line executed with sh -c.
	Run string `yaml:"run"`

	// Script is a path, relative to the checkout, executed with bash.
	Script string `yaml:"script"`
}

// Command returns the argv of the step.
func (s Step) Command() []string {
	if s.Script != "" {
		return []string{"bash", s.Script}
	}
	return []string{"sh", "-c", s.Run}
}

// ParsePipeline parses YAML content into a Pipeline object
func ParsePipeline(data []byte) (*Pipeline, error) {
	var pipeline Pipeline
	if err := yaml.Unmarshal(data, &pipeline); err != nil {
		return nil, fmt.Errorf("invalid pipeline manifest: %w", err)
	}
	if err := pipeline.Validate(); err != nil {
		return nil, err
	}
	return &pipeline, nil
}

// Validate checks every step and fills in missing step names.
func (p *Pipeline) Validate() error {
	if len(p.Steps) == 0 {
		return errors.New("invalid pipeline manifest: no steps")
	}
	for i := range p.Steps {
		step := &p.Steps[i]
		if (step.Run == "") == (step.Script == "") {
			return fmt.Errorf("invalid pipeline manifest: step %d needs exactly one of run or script", i+1)
		}
		if step.Name == "" {
			step.Name = fmt.Sprintf("step %d", i+1)
		}
	}
	return nil
}

// LoadPipeline finds the pipeline of a checkout. A YAML manifest wins over
// the legacy pipeline.sh script. It returns nil and no error when the
// repository defines no pipeline.
func LoadPipeline(dir string) (*Pipeline, string, error) {
	for _, name := range manifestFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to read %s: %w", name, err)
		}
		pipeline, err := ParsePipeline(data)
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", name, err)
		}
		return pipeline, name, nil
	}

	info, err := os.Stat(filepath.Join(dir, scriptFile))
	if err == nil && info.Mode().IsRegular() {
		return &Pipeline{
			Name:  "pipeline.sh",
			Steps: []Step{{Name: "pipeline.sh", Script: scriptFile}},
		}, scriptFile, nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("failed to stat %s: %w", scriptFile, err)
	}

	return nil, "", nil
}
