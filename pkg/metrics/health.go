package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Components reported on /health and /ready
const (
	ComponentStore   = "store"
	ComponentRuntime = "runtime"
	ComponentAPI     = "api"
)

// Report statuses
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// staleTicks is how many ticks a control loop may miss before it counts as
// stuck
const staleTicks = 3

// requiredComponents gate readiness together with every registered loop
var requiredComponents = []string{ComponentStore, ComponentRuntime, ComponentAPI}

// Report is the body of /health and the source of /ready
type Report struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
	Version   string            `json:"version,omitempty"`
	Uptime    string            `json:"uptime,omitempty"`
}

type component struct {
	healthy bool
	message string
	updated time.Time

	// Control loops carry their tick interval; updated is the last tick
	loop     bool
	interval time.Duration
}

type registry struct {
	mu         sync.RWMutex
	clock      clock.PassiveClock
	started    time.Time
	version    string
	components map[string]*component
}

var healthRegistry = newRegistry(clock.RealClock{})

func newRegistry(c clock.PassiveClock) *registry {
	return &registry{
		clock:      c,
		started:    c.Now(),
		components: make(map[string]*component),
	}
}

// SetVersion sets the version reported by /health
func SetVersion(version string) {
	healthRegistry.mu.Lock()
	defer healthRegistry.mu.Unlock()
	healthRegistry.version = version
}

// SetComponent records the state of a process component such as the store
// or the API listener
func SetComponent(name string, healthy bool, message string) {
	r := healthRegistry
	r.mu.Lock()
	defer r.mu.Unlock()

	r.components[name] = &component{
		healthy: healthy,
		message: message,
		updated: r.clock.Now(),
	}
}

// RegisterLoop adds a control loop that is expected to tick every interval.
// Registered loops must keep ticking for the control plane to be ready.
func RegisterLoop(name string, interval time.Duration) {
	r := healthRegistry
	r.mu.Lock()
	defer r.mu.Unlock()

	r.components[name] = &component{
		healthy:  true,
		message:  "started",
		updated:  r.clock.Now(),
		loop:     true,
		interval: interval,
	}
}

// LoopTicked records a finished tick. A non-nil err marks the loop
// unhealthy until its next clean tick.
func LoopTicked(name string, err error) {
	r := healthRegistry
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.components[name]
	if !ok {
		c = &component{loop: true}
		r.components[name] = c
	}
	c.healthy = err == nil
	c.message = ""
	if err != nil {
		c.message = err.Error()
	}
	c.updated = r.clock.Now()
}

// LoopStopped marks a loop as no longer running
func LoopStopped(name string) {
	r := healthRegistry
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.components[name]; ok {
		c.healthy = false
		c.message = "stopped"
		c.updated = r.clock.Now()
	}
}

// check returns an empty string for a working component, otherwise why it
// is not
func (c *component) check(now time.Time) string {
	if !c.healthy {
		return c.message
	}
	if c.loop && c.interval > 0 {
		if idle := now.Sub(c.updated); idle > staleTicks*c.interval {
			return fmt.Sprintf("no tick for %s", idle.Truncate(time.Second))
		}
	}
	return ""
}

// GetHealth reports every known component
func GetHealth() Report {
	r := healthRegistry
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock.Now()
	report := r.report(StatusHealthy, now)
	for name, c := range r.components {
		if problem := c.check(now); problem != "" {
			report.Status = StatusUnhealthy
			report.Checks[name] = "unhealthy: " + problem
		} else {
			report.Checks[name] = StatusHealthy
		}
	}
	return report
}

// GetReadiness reports ready only when the store, runtime and API are up
// and every registered control loop is ticking
func GetReadiness() Report {
	r := healthRegistry
	r.mu.RLock()
	defer r.mu.RUnlock()

	var loops []string
	for name, c := range r.components {
		if c.loop {
			loops = append(loops, name)
		}
	}
	sort.Strings(loops)

	now := r.clock.Now()
	report := r.report(StatusReady, now)
	for _, name := range append(append([]string{}, requiredComponents...), loops...) {
		c, ok := r.components[name]
		switch {
		case !ok:
			report.Checks[name] = "not registered"
		case c.check(now) != "":
			report.Checks[name] = "not ready: " + c.check(now)
		default:
			report.Checks[name] = StatusReady
			continue
		}
		if report.Status == StatusReady {
			report.Status = StatusNotReady
			report.Message = "waiting for " + name
		}
	}
	return report
}

func (r *registry) report(status string, now time.Time) Report {
	return Report{
		Status:    status,
		Timestamp: now,
		Checks:    make(map[string]string),
		Version:   r.version,
		Uptime:    now.Sub(r.started).Truncate(time.Second).String(),
	}
}

// HealthHandler serves GetHealth, with 503 when any component is unhealthy
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := GetHealth()
		code := http.StatusOK
		if report.Status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	}
}

// LivenessHandler answers 200 while the process is serving
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		healthRegistry.mu.RLock()
		uptime := healthRegistry.clock.Since(healthRegistry.started)
		healthRegistry.mu.RUnlock()

		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": uptime.Truncate(time.Second).String(),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
