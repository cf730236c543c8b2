package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

var (
	ErrStructureRequired = errors.New("pipeline: structure is required")
	ErrInvalidOverride   = errors.New("pipeline: invalid override")
	ErrPdosWithoutSCF    = errors.New("pipeline: pdos needs an scf namespace unless bands runs first")
)

// Config is the configuration of one pipeline run. A nil stage namespace
// means the stage is skipped.
type Config struct {
	Label         string       `yaml:"label,omitempty"`
	Structure     *Structure   `yaml:"structure,omitempty"`
	StructureFile string       `yaml:"structure_file,omitempty"`
	CleanWorkdir  bool         `yaml:"clean_workdir"`
	Overrides     Overrides    `yaml:"overrides,omitempty"`
	Relax         *RelaxInputs `yaml:"relax,omitempty"`
	Bands         *BandsInputs `yaml:"bands,omitempty"`
	Pdos          *PdosInputs  `yaml:"pdos,omitempty"`
}

// Active reports whether stage s was configured.
func (c *Config) Active(s Stage) bool {
	switch s {
	case StageRelax:
		return c.Relax != nil
	case StageBands:
		return c.Bands != nil
	case StagePdos:
		return c.Pdos != nil
	}
	return false
}

// Plan returns the configured stages in execution order.
func (c *Config) Plan() []Stage {
	var plan []Stage
	for _, s := range Stages {
		if c.Active(s) {
			plan = append(plan, s)
		}
	}
	return plan
}

// Validate checks the preconditions of a run.
func (c *Config) Validate() error {
	if c.Structure == nil {
		return ErrStructureRequired
	}
	if d := c.Overrides.KpointsDistance; d != nil && *d <= 0 {
		return fmt.Errorf("%w: kpoints_distance must be positive, got %g", ErrInvalidOverride, *d)
	}
	if d := c.Overrides.Degauss; d != nil && *d < 0 {
		return fmt.Errorf("%w: degauss must not be negative, got %g", ErrInvalidOverride, *d)
	}
	if s := c.Overrides.Smearing; s != nil && *s == "" {
		return fmt.Errorf("%w: smearing must not be empty", ErrInvalidOverride)
	}
	if c.Pdos != nil && c.Pdos.SCF == nil && c.Bands == nil {
		return ErrPdosWithoutSCF
	}
	return nil
}

// RemoteSettings describe the host sub-workflows are launched on.
type RemoteSettings struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	KeyPath        string `yaml:"key_path"`
	KnownHosts     string `yaml:"known_hosts"`
	Workdir        string `yaml:"workdir"`
	Command        string `yaml:"command"`
	Retries        int    `yaml:"retries"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Settings is the content of a qeapp configuration file.
type Settings struct {
	Pipeline Config         `yaml:"pipeline"`
	Remote   RemoteSettings `yaml:"remote"`
	Store    struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Cleanup struct {
		Concurrency int `yaml:"concurrency"`
	} `yaml:"cleanup"`
}

// ConfigDir resolves $XDG_CONFIG_HOME/qeapp or ~/.config/qeapp.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "qeapp")
}

// LoadConfig reads YAML settings from a path. If path is empty, it resolves
// pipeline.yaml inside ConfigDir. A relative structure_file is resolved
// against the directory of the configuration file.
func LoadConfig(path string) (Settings, error) {
	var s Settings
	if path == "" {
		path = filepath.Join(ConfigDir(), "pipeline.yaml")
	}
	f, err := os.Open(path)
	if err != nil {
		return s, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return s, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &s); err != nil {
		return s, fmt.Errorf("parse config: %w", err)
	}

	if s.Pipeline.Structure == nil && s.Pipeline.StructureFile != "" {
		sf := s.Pipeline.StructureFile
		if !filepath.IsAbs(sf) {
			sf = filepath.Join(filepath.Dir(path), sf)
		}
		st, err := LoadStructure(sf)
		if err != nil {
			return s, err
		}
		s.Pipeline.Structure = st
	}

	if err := applySecrets(&s.Remote); err != nil {
		return s, err
	}
	return s, nil
}

// LoadStructure reads a Structure from a YAML file.
func LoadStructure(path string) (*Structure, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read structure: %w", err)
	}
	var st Structure
	if err := yaml.Unmarshal(content, &st); err != nil {
		return nil, fmt.Errorf("parse structure: %w", err)
	}
	return &st, nil
}
