package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SpawnEager = "eager"
	SpawnLazy  = "lazy"
)

// Config models gantry.yml: the pipeline topology plus the knobs for
// leases, breaker, cache, and per-caller rate limiting.
type Config struct {
	Project struct {
		ID          string `yaml:"id" json:"id"`
		Description string `yaml:"description,omitempty" json:"description,omitempty"`
	} `yaml:"project" json:"project"`
	Pipeline Pipeline        `yaml:"pipeline" json:"pipeline"`
	Leases   LeaseConfig     `yaml:"leases" json:"leases"`
	Breaker  BreakerConfig   `yaml:"breaker" json:"breaker"`
	Cache    CacheConfig     `yaml:"cache" json:"cache"`
	Limits   LimitConfig     `yaml:"limits" json:"limits"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// Pipeline is an ordered list of stages. Stage position is the priority
// weight: the entry stage carries the lowest weight and resolves first.
type Pipeline struct {
	Name   string  `yaml:"name" json:"name"`
	Stages []Stage `yaml:"stages" json:"stages"`
}

type Stage struct {
	Name        string      `yaml:"name" json:"name"`
	Title       string      `yaml:"title,omitempty" json:"title,omitempty"`
	Spawn       string      `yaml:"spawn,omitempty" json:"spawn,omitempty"`
	MaxParallel int         `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`
	MaxAttempts int         `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	DependsOn   []StageEdge `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Gates       []GateSpec  `yaml:"gates,omitempty" json:"gates,omitempty"`
}

type StageEdge struct {
	Stage        string   `yaml:"stage" json:"stage"`
	Edge         string   `yaml:"edge,omitempty" json:"edge,omitempty"`
	MinimumScore *float64 `yaml:"minimum_score,omitempty" json:"minimum_score,omitempty"`
}

type GateSpec struct {
	Type      string  `yaml:"type" json:"type"`
	Threshold float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`
}

type LeaseConfig struct {
	TaskTTLSeconds  int    `yaml:"task_ttl_seconds,omitempty" json:"task_ttl_seconds,omitempty"`
	LockTTLSeconds  int    `yaml:"lock_ttl_seconds,omitempty" json:"lock_ttl_seconds,omitempty"`
	LockWaitSeconds int    `yaml:"lock_wait_seconds,omitempty" json:"lock_wait_seconds,omitempty"`
	SweepSchedule   string `yaml:"sweep_schedule,omitempty" json:"sweep_schedule,omitempty"`
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold,omitempty" json:"failure_threshold,omitempty"`
	WindowSeconds    int `yaml:"window_seconds,omitempty" json:"window_seconds,omitempty"`
	RecoverySeconds  int `yaml:"recovery_seconds,omitempty" json:"recovery_seconds,omitempty"`
}

type CacheConfig struct {
	TTLSeconds  int `yaml:"ttl_seconds,omitempty" json:"ttl_seconds,omitempty"`
	MaxProjects int `yaml:"max_projects,omitempty" json:"max_projects,omitempty"`
}

type LimitConfig struct {
	CallerRequests int `yaml:"caller_requests,omitempty" json:"caller_requests,omitempty"`
	WindowSeconds  int `yaml:"window_seconds,omitempty" json:"window_seconds,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

var stageNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)

var gateTypes = map[string]bool{
	"review_points":     true,
	"artifact_exists":   true,
	"capability_check":  true,
	"quality_threshold": true,
}

var edgeTypes = map[string]bool{
	"required":         true,
	"optional":         true,
	"gate_requirement": true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run gantry init or import with gantry pipeline import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gantry.yml")
}

func (c *Config) applyDefaults() {
	if c.Leases.TaskTTLSeconds <= 0 {
		c.Leases.TaskTTLSeconds = 3600
	}
	if c.Leases.LockTTLSeconds <= 0 {
		c.Leases.LockTTLSeconds = 30
	}
	if c.Leases.LockWaitSeconds <= 0 {
		c.Leases.LockWaitSeconds = 5
	}
	if c.Leases.SweepSchedule == "" {
		c.Leases.SweepSchedule = "0 * * * * *"
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.WindowSeconds <= 0 {
		c.Breaker.WindowSeconds = 60
	}
	if c.Breaker.RecoverySeconds <= 0 {
		c.Breaker.RecoverySeconds = 30
	}
	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = 300
	}
	if c.Cache.MaxProjects <= 0 {
		c.Cache.MaxProjects = 128
	}
	if c.Limits.CallerRequests <= 0 {
		c.Limits.CallerRequests = 30
	}
	if c.Limits.WindowSeconds <= 0 {
		c.Limits.WindowSeconds = 10
	}
	for i := range c.Pipeline.Stages {
		s := &c.Pipeline.Stages[i]
		if s.Spawn == "" {
			s.Spawn = SpawnEager
		}
		if s.MaxParallel <= 0 {
			s.MaxParallel = 1
		}
		if s.MaxAttempts <= 0 {
			s.MaxAttempts = 3
		}
		for j := range s.DependsOn {
			if s.DependsOn[j].Edge == "" {
				s.DependsOn[j].Edge = "required"
			}
		}
	}
}

// Validate ensures the pipeline is well formed and acyclic.
func (c *Config) Validate() error {
	if c.Project.ID != "" && !stageNamePattern.MatchString(c.Project.ID) {
		return fmt.Errorf("config.project.id %q is not a valid identifier", c.Project.ID)
	}
	if c.Pipeline.Name == "" {
		return fmt.Errorf("config.pipeline.name is required")
	}
	if len(c.Pipeline.Stages) == 0 {
		return fmt.Errorf("config.pipeline.stages must not be empty")
	}
	seen := map[string]bool{}
	for _, s := range c.Pipeline.Stages {
		if !stageNamePattern.MatchString(s.Name) {
			return fmt.Errorf("stage name %q is not a valid identifier", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("stage %s defined twice", s.Name)
		}
		seen[s.Name] = true
		if s.Spawn != SpawnEager && s.Spawn != SpawnLazy {
			return fmt.Errorf("stage %s: spawn must be eager or lazy", s.Name)
		}
		for _, g := range s.Gates {
			if !gateTypes[g.Type] {
				return fmt.Errorf("stage %s: unknown gate type %s", s.Name, g.Type)
			}
			if (g.Type == "review_points" || g.Type == "quality_threshold") && g.Threshold <= 0 {
				return fmt.Errorf("stage %s: gate %s requires a positive threshold", s.Name, g.Type)
			}
			if g.Type == "quality_threshold" && g.Threshold > 1 {
				return fmt.Errorf("stage %s: quality_threshold must be in (0,1]", s.Name)
			}
		}
	}
	for _, s := range c.Pipeline.Stages {
		for _, e := range s.DependsOn {
			if !seen[e.Stage] {
				return fmt.Errorf("stage %s depends on unknown stage %s", s.Name, e.Stage)
			}
			if e.Stage == s.Name {
				return fmt.Errorf("stage %s depends on itself", s.Name)
			}
			if !edgeTypes[e.Edge] {
				return fmt.Errorf("stage %s: unknown edge type %s", s.Name, e.Edge)
			}
			if e.MinimumScore != nil && (*e.MinimumScore < 0 || *e.MinimumScore > 1) {
				return fmt.Errorf("stage %s: minimum_score must be in [0,1]", s.Name)
			}
		}
	}
	if err := c.Pipeline.checkAcyclic(); err != nil {
		return err
	}
	if len(c.Pipeline.EntryStages()) == 0 {
		return fmt.Errorf("pipeline %s has no entry stage", c.Pipeline.Name)
	}
	for _, h := range c.Webhooks {
		if h.URL == "" {
			return fmt.Errorf("webhook with empty url")
		}
	}
	return nil
}

// checkAcyclic walks the stage graph with three-color DFS.
func (p Pipeline) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(p.Stages))
	deps := make(map[string][]string, len(p.Stages))
	for _, s := range p.Stages {
		for _, e := range s.DependsOn {
			deps[s.Name] = append(deps[s.Name], e.Stage)
		}
	}
	var visit func(name string) error
	visit = func(name string) error {
		color[name] = gray
		for _, dep := range deps[name] {
			switch color[dep] {
			case gray:
				return fmt.Errorf("pipeline %s has a dependency cycle through %s", p.Name, dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}
	for _, s := range p.Stages {
		if color[s.Name] == white {
			if err := visit(s.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stage returns the stage definition by name.
func (p Pipeline) Stage(name string) (Stage, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// PriorityOf returns the stage's position weight; unknown stages sink
// to the back of the ordering.
func (p Pipeline) PriorityOf(name string) int {
	for i, s := range p.Stages {
		if s.Name == name {
			return i
		}
	}
	return len(p.Stages)
}

// EntryStages lists stages with no dependency edges.
func (p Pipeline) EntryStages() []Stage {
	var entries []Stage
	for _, s := range p.Stages {
		if len(s.DependsOn) == 0 {
			entries = append(entries, s)
		}
	}
	return entries
}

// DependentsOf lists stages that declare an edge on the given stage.
func (p Pipeline) DependentsOf(name string) []Stage {
	var out []Stage
	for _, s := range p.Stages {
		for _, e := range s.DependsOn {
			if e.Stage == name {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// TaskTTL returns the execution lease TTL.
func (c *Config) TaskTTL() time.Duration {
	return time.Duration(c.Leases.TaskTTLSeconds) * time.Second
}

// LockTTL returns the resolution lock TTL.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Leases.LockTTLSeconds) * time.Second
}

// LockWait returns how long resolvers poll for the resolution lock.
func (c *Config) LockWait() time.Duration {
	return time.Duration(c.Leases.LockWaitSeconds) * time.Second
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(projectID)))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

const defaultTemplate = `project:
  id: %s

pipeline:
  name: standard
  stages:
    - name: requirements
      title: "Collect requirements"
      spawn: eager
      max_parallel: 1
      gates:
        - type: artifact_exists

    - name: design
      title: "Design the solution"
      spawn: eager
      max_parallel: 1
      depends_on:
        - stage: requirements
          edge: required
      gates:
        - type: review_points
          threshold: 5.0

    - name: implement
      title: "Implement"
      spawn: eager
      max_parallel: 2
      depends_on:
        - stage: design
          edge: required
          minimum_score: 0.8

    - name: verify
      title: "Verify and accept"
      spawn: lazy
      max_parallel: 1
      depends_on:
        - stage: implement
          edge: required
        - stage: design
          edge: gate_requirement
      gates:
        - type: quality_threshold
          threshold: 0.7

leases:
  task_ttl_seconds: 3600
  lock_ttl_seconds: 30
  lock_wait_seconds: 5
  sweep_schedule: "0 * * * * *"

breaker:
  failure_threshold: 5
  window_seconds: 60
  recovery_seconds: 30

cache:
  ttl_seconds: 300
  max_projects: 128

limits:
  caller_requests: 30
  window_seconds: 10
`
