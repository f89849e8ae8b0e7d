package tasks

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
)

//go:embed pipeline.yaml
var defaultPipelineYAML []byte

// TaskDef declares one task of a stage or of the per-cycle regression list.
type TaskDef struct {
	Type models.TaskType `yaml:"type"`
	// Build marks build tasks and the build stage their artifacts belong to.
	Build models.BuildStage `yaml:"build,omitempty"`
	// Platforms restricts the task; empty means every release platform.
	Platforms []models.Platform `yaml:"platforms,omitempty"`
	// SlotFlag names the SlotConfig toggle that enables the task.
	SlotFlag string `yaml:"slotFlag,omitempty"`
}

// IsBuild reports whether the task waits for build artifacts.
func (d TaskDef) IsBuild() bool { return d.Build != "" }

// RequiredPlatforms intersects the task's platforms with the release's.
func (d TaskDef) RequiredPlatforms(release models.Release) []models.Platform {
	if len(d.Platforms) == 0 {
		return release.Platforms()
	}
	var out []models.Platform
	for _, p := range d.Platforms {
		if release.HasPlatform(p) {
			out = append(out, p)
		}
	}
	return out
}

// EnabledBy reports whether cfg turns the task on. Tasks without a flag are always on.
func (d TaskDef) EnabledBy(cfg models.SlotConfig) bool {
	switch d.SlotFlag {
	case "":
		return true
	case "automationRuns":
		return cfg.AutomationRuns
	case "releaseNotes":
		return cfg.ReleaseNotes
	}
	return false
}

type StageDef struct {
	Stage models.Stage `yaml:"stage"`
	Tasks []TaskDef    `yaml:"tasks"`
}

type Pipeline struct {
	Stages          []StageDef `yaml:"stages"`
	RegressionCycle []TaskDef  `yaml:"regressionCycle"`
}

// DefaultPipeline parses the embedded pipeline definition.
func DefaultPipeline() (Pipeline, error) {
	return ParsePipeline(defaultPipelineYAML)
}

// MustDefaultPipeline is DefaultPipeline for wiring and tests.
func MustDefaultPipeline() Pipeline {
	p, err := DefaultPipeline()
	if err != nil {
		panic(err)
	}
	return p
}

// LoadPipeline reads a pipeline file, falling back to the embedded default when path is empty.
func LoadPipeline(path string) (Pipeline, error) {
	if path == "" {
		return DefaultPipeline()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read pipeline %s: %w", path, err)
	}
	return ParsePipeline(data)
}

func ParsePipeline(data []byte) (Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Pipeline{}, fmt.Errorf("parse pipeline: %w", err)
	}
	if err := p.validate(); err != nil {
		return Pipeline{}, err
	}
	return p, nil
}

func (p Pipeline) validate() error {
	seen := map[models.TaskType]bool{}
	check := func(def TaskDef) error {
		if !KnownType(def.Type) {
			return fmt.Errorf("pipeline: unknown task type %q", def.Type)
		}
		if seen[def.Type] {
			return fmt.Errorf("pipeline: task type %s declared twice", def.Type)
		}
		seen[def.Type] = true
		for _, pl := range def.Platforms {
			if !pl.Valid() {
				return fmt.Errorf("pipeline: task %s has invalid platform %q", def.Type, pl)
			}
		}
		return nil
	}
	for _, st := range p.Stages {
		if !st.Stage.Valid() {
			return fmt.Errorf("pipeline: unknown stage %q", st.Stage)
		}
		if st.Stage == models.StageRegression {
			return fmt.Errorf("pipeline: regression tasks belong under regressionCycle")
		}
		for _, def := range st.Tasks {
			if err := check(def); err != nil {
				return err
			}
		}
	}
	if len(p.RegressionCycle) == 0 {
		return fmt.Errorf("pipeline: regressionCycle must declare at least one task")
	}
	for _, def := range p.RegressionCycle {
		if err := check(def); err != nil {
			return err
		}
	}
	return nil
}

// StageTasks returns the ordered definitions for a non-regression stage.
func (p Pipeline) StageTasks(stage models.Stage) []TaskDef {
	if stage == models.StageRegression {
		return p.RegressionCycle
	}
	for _, st := range p.Stages {
		if st.Stage == stage {
			return st.Tasks
		}
	}
	return nil
}

// Def looks up the definition of a task type anywhere in the pipeline.
func (p Pipeline) Def(t models.TaskType) (TaskDef, bool) {
	for _, st := range p.Stages {
		for _, def := range st.Tasks {
			if def.Type == t {
				return def, true
			}
		}
	}
	for _, def := range p.RegressionCycle {
		if def.Type == t {
			return def, true
		}
	}
	return TaskDef{}, false
}

// BuildTaskFor returns the build task that consumes artifacts for a build stage and platform.
func (p Pipeline) BuildTaskFor(stage models.BuildStage, platform models.Platform) (TaskDef, bool) {
	all := append([]TaskDef{}, p.RegressionCycle...)
	for _, st := range p.Stages {
		all = append(all, st.Tasks...)
	}
	for _, def := range all {
		if def.Build != stage {
			continue
		}
		if len(def.Platforms) == 0 {
			return def, true
		}
		for _, pl := range def.Platforms {
			if pl == platform {
				return def, true
			}
		}
	}
	return TaskDef{}, false
}

// StageOf returns the stage a task type belongs to.
func (p Pipeline) StageOf(t models.TaskType) (models.Stage, bool) {
	for _, def := range p.RegressionCycle {
		if def.Type == t {
			return models.StageRegression, true
		}
	}
	for _, st := range p.Stages {
		for _, def := range st.Tasks {
			if def.Type == t {
				return st.Stage, true
			}
		}
	}
	return "", false
}

// NewStageTasks builds the PENDING tasks of a non-regression stage.
func (p Pipeline) NewStageTasks(releaseID uuid.UUID, stage models.Stage) []models.ReleaseTask {
	defs := p.StageTasks(stage)
	out := make([]models.ReleaseTask, 0, len(defs))
	for i, def := range defs {
		out = append(out, New(def.Type, stage, Linkage{ReleaseID: releaseID, Order: i}))
	}
	return out
}

// NewCycleTasks builds the PENDING tasks of one regression cycle.
func (p Pipeline) NewCycleTasks(releaseID, cycleID uuid.UUID) []models.ReleaseTask {
	out := make([]models.ReleaseTask, 0, len(p.RegressionCycle))
	for i, def := range p.RegressionCycle {
		id := cycleID
		out = append(out, New(def.Type, models.StageRegression, Linkage{ReleaseID: releaseID, CycleID: &id, Order: i}))
	}
	return out
}
