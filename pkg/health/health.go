package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cuemby/kube9/pkg/log"
	"github.com/cuemby/kube9/pkg/types"
	"gopkg.in/yaml.v3"
)

// CheckType represents the type of component check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeExec CheckType = "exec"
)

// Result represents the outcome of a check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all component checkers implement
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// CheckSpec describes the check of one component
type CheckSpec struct {
	Type CheckType `yaml:"type"`

	// Target is the URL for http checks and host:port for tcp checks
	Target  string   `yaml:"target,omitempty"`
	Command []string `yaml:"command,omitempty"`

	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Checker builds the checker described by s
func (s CheckSpec) Checker() (Checker, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	switch s.Type {
	case CheckTypeHTTP:
		if s.Target == "" {
			return nil, fmt.Errorf("http check needs a target URL")
		}
		return NewHTTPChecker(s.Target).WithTimeout(timeout), nil
	case CheckTypeTCP:
		if s.Target == "" {
			return nil, fmt.Errorf("tcp check needs a target address")
		}
		return NewTCPChecker(s.Target).WithTimeout(timeout), nil
	case CheckTypeExec:
		if len(s.Command) == 0 {
			return nil, fmt.Errorf("exec check needs a command")
		}
		return NewExecChecker(s.Command).WithTimeout(timeout), nil
	default:
		return nil, fmt.Errorf("unknown check type %q", s.Type)
	}
}

// DefaultTimeout bounds a single check
const DefaultTimeout = 5 * time.Second

// Config holds prober configuration
type Config struct {
	// Retries is the number of consecutive failures before a component is
	// reported failed
	Retries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{Retries: 3}
}

// Status tracks the check history of a component
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastResult           Result

	// Healthy flips to false only after Retries consecutive failures
	Healthy bool
}

// NewStatus creates a Status that assumes the component is healthy
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update folds a new result into the status
func (s *Status) Update(result Result, config Config) {
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}

type componentCheck struct {
	checker Checker
	status  *Status
}

// Prober checks node components and reports their state in heartbeat form.
// Components of the node type without a check are reported running.
type Prober struct {
	nodeType types.NodeType
	config   Config

	mu     sync.Mutex
	checks map[types.Component]*componentCheck
}

// NewProber creates a prober for a node of the given type
func NewProber(nodeType types.NodeType, config Config) *Prober {
	if config.Retries <= 0 {
		config.Retries = 1
	}
	return &Prober{
		nodeType: nodeType,
		config:   config,
		checks:   make(map[types.Component]*componentCheck),
	}
}

// Add registers the checker of a component
func (p *Prober) Add(component types.Component, checker Checker) error {
	if !types.HasComponent(p.nodeType, component) {
		return fmt.Errorf("%s nodes have no component %q", p.nodeType, component)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks[component] = &componentCheck{checker: checker, status: NewStatus()}
	return nil
}

// Probe runs every check once and returns the component states
func (p *Prober) Probe(ctx context.Context) map[types.Component]types.ComponentStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	logger := log.WithComponent("prober")
	out := types.DefaultComponents(p.nodeType)
	for component, c := range p.checks {
		wasHealthy := c.status.Healthy
		result := c.checker.Check(ctx)
		c.status.Update(result, p.config)

		if !c.status.Healthy {
			out[component] = types.ComponentFailed
		}
		if wasHealthy != c.status.Healthy {
			logger.Warn().
				Str("component", string(component)).
				Bool("healthy", c.status.Healthy).
				Str("check", string(c.checker.Type())).
				Str("message", result.Message).
				Msg("Component state changed")
		}
	}
	return out
}

// LoadChecks reads a YAML file mapping component names to check specs and
// adds them to the prober
func (p *Prober) LoadChecks(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read checks: %w", err)
	}
	var specs map[types.Component]CheckSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return fmt.Errorf("failed to parse checks: %w", err)
	}
	for component, spec := range specs {
		checker, err := spec.Checker()
		if err != nil {
			return fmt.Errorf("check for %s: %w", component, err)
		}
		if err := p.Add(component, checker); err != nil {
			return err
		}
	}
	return nil
}
