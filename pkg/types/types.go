package types

import (
	"sort"
	"time"
)

// Node represents a simulated cluster member that hosts pods
type Node struct {
	ID                uint64                        `json:"id"`
	Name              string                        `json:"name"`
	Type              NodeType                      `json:"type"`
	CPUTotal          int                           `json:"cpu_total"`
	CPUAvail          int                           `json:"cpu_avail"`
	HealthStatus      HealthStatus                  `json:"health_status"`
	LastHeartbeatAt   time.Time                     `json:"last_heartbeat_at"` // Zero until the first heartbeat
	ComponentStatuses map[Component]ComponentStatus `json:"component_statuses"`
	RecoveryAttempts  int                           `json:"recovery_attempts"`
	PodIDs            []uint64                      `json:"pod_ids"`        // Sorted, mirrors Pod.NodeID
	RuntimeHandle     string                        `json:"runtime_handle"` // Owned exclusively by this node

	// Last values reported by the node itself. Informational only.
	ReportedCPUAvail int    `json:"reported_cpu_avail"`
	ReportedHealth   string `json:"reported_health,omitempty"`

	FailureReason   string    `json:"failure_reason,omitempty"`
	StatusChangedAt time.Time `json:"status_changed_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// NodeType defines the role of a node
type NodeType string

const (
	NodeTypeMaster NodeType = "master"
	NodeTypeWorker NodeType = "worker"
)

// Valid reports whether t is a known node type
func (t NodeType) Valid() bool {
	return t == NodeTypeMaster || t == NodeTypeWorker
}

// HealthStatus represents the lifecycle state of a node
type HealthStatus string

const (
	HealthInitializing      HealthStatus = "initializing"
	HealthHealthy           HealthStatus = "healthy"
	HealthFailed            HealthStatus = "failed"
	HealthRecovering        HealthStatus = "recovering"
	HealthPermanentlyFailed HealthStatus = "permanently_failed"
	HealthRemoved           HealthStatus = "removed"
)

// Terminal reports whether no transition other than reaping can leave this state
func (s HealthStatus) Terminal() bool {
	return s == HealthPermanentlyFailed || s == HealthRemoved
}

// Component names a simulated node process
type Component string

const (
	ComponentKubelet          Component = "kubelet"
	ComponentContainerRuntime Component = "container_runtime"
	ComponentKubeProxy        Component = "kube_proxy"
	ComponentNodeAgent        Component = "node_agent"

	// Master only
	ComponentAPIServer  Component = "api_server"
	ComponentScheduler  Component = "scheduler"
	ComponentController Component = "controller"
	ComponentEtcd       Component = "etcd"
)

var (
	workerComponents = []Component{
		ComponentKubelet,
		ComponentContainerRuntime,
		ComponentKubeProxy,
		ComponentNodeAgent,
	}
	masterComponents = []Component{
		ComponentAPIServer,
		ComponentScheduler,
		ComponentController,
		ComponentEtcd,
	}
)

// ComponentsFor returns the fixed component set of a node type
func ComponentsFor(t NodeType) []Component {
	out := append([]Component(nil), workerComponents...)
	if t == NodeTypeMaster {
		out = append(out, masterComponents...)
	}
	return out
}

// ComponentStatus is the run state of a node component
type ComponentStatus string

const (
	ComponentRunning ComponentStatus = "running"
	ComponentStopped ComponentStatus = "stopped"
	ComponentFailed  ComponentStatus = "failed"
)

// Valid reports whether s is a known component status
func (s ComponentStatus) Valid() bool {
	return s == ComponentRunning || s == ComponentStopped || s == ComponentFailed
}

// DefaultComponents returns the component map of a freshly registered node
func DefaultComponents(t NodeType) map[Component]ComponentStatus {
	return ComponentMap(t, ComponentRunning)
}

// ComponentMap returns every component of t set to status
func ComponentMap(t NodeType, status ComponentStatus) map[Component]ComponentStatus {
	m := make(map[Component]ComponentStatus)
	for _, c := range ComponentsFor(t) {
		m[c] = status
	}
	return m
}

// HasComponent reports whether c belongs to node type t
func HasComponent(t NodeType, c Component) bool {
	for _, known := range ComponentsFor(t) {
		if known == c {
			return true
		}
	}
	return false
}

// IsComponentRunning reports whether component c is running on the node
func (n *Node) IsComponentRunning(c Component) bool {
	return n.ComponentStatuses[c] == ComponentRunning
}

// HasHeartbeat reports whether the node has ever sent a heartbeat
func (n *Node) HasHeartbeat() bool {
	return !n.LastHeartbeatAt.IsZero()
}

// HostsPod reports whether podID is in the node's pod set
func (n *Node) HostsPod(podID uint64) bool {
	i := sort.Search(len(n.PodIDs), func(i int) bool { return n.PodIDs[i] >= podID })
	return i < len(n.PodIDs) && n.PodIDs[i] == podID
}

// AddPod inserts podID into the sorted pod set
func (n *Node) AddPod(podID uint64) {
	i := sort.Search(len(n.PodIDs), func(i int) bool { return n.PodIDs[i] >= podID })
	if i < len(n.PodIDs) && n.PodIDs[i] == podID {
		return
	}
	n.PodIDs = append(n.PodIDs, 0)
	copy(n.PodIDs[i+1:], n.PodIDs[i:])
	n.PodIDs[i] = podID
}

// RemovePod deletes podID from the pod set and reports whether it was present
func (n *Node) RemovePod(podID uint64) bool {
	i := sort.Search(len(n.PodIDs), func(i int) bool { return n.PodIDs[i] >= podID })
	if i == len(n.PodIDs) || n.PodIDs[i] != podID {
		return false
	}
	n.PodIDs = append(n.PodIDs[:i], n.PodIDs[i+1:]...)
	return true
}

// SetStatus moves the node to status and stamps the change time
func (n *Node) SetStatus(status HealthStatus, at time.Time) {
	if n.HealthStatus != status {
		n.StatusChangedAt = at
	}
	n.HealthStatus = status
}

// Pod represents a placed workload unit with a CPU requirement
type Pod struct {
	ID              uint64          `json:"id"`
	Name            string          `json:"name"`
	CPUReq          int             `json:"cpu_req"`
	NodeID          uint64          `json:"node_id,omitempty"` // 0 while unplaced
	Status          PodStatus       `json:"status"`
	Type            PodType         `json:"type"`
	IPAddress       string          `json:"ip_address,omitempty"`
	Containers      []ContainerSpec `json:"containers,omitempty"`
	Volumes         []VolumeSpec    `json:"volumes,omitempty"`
	Config          []ConfigItem    `json:"config,omitempty"`
	RescheduleCount int             `json:"reschedule_count"`
	LastError       string          `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Placed reports whether the pod holds a node reference
func (p *Pod) Placed() bool {
	return p.NodeID != 0
}

// PodStatus represents the lifecycle state of a pod
type PodStatus string

const (
	PodPending       PodStatus = "pending"
	PodRunning       PodStatus = "running"
	PodRescheduling  PodStatus = "rescheduling"
	PodUnschedulable PodStatus = "unschedulable"
	PodTerminated    PodStatus = "terminated"
)

// PodType distinguishes single and multi container pods
type PodType string

const (
	PodTypeSingleContainer PodType = "single-container"
	PodTypeMultiContainer  PodType = "multi-container"
)

// ContainerSpec is opaque container payload carried by a pod
type ContainerSpec struct {
	Name      string  `json:"name" yaml:"name"`
	Image     string  `json:"image" yaml:"image"`
	CPUReq    float64 `json:"cpu_req,omitempty" yaml:"cpu_req,omitempty"`
	MemoryReq int     `json:"memory_req,omitempty" yaml:"memory_req,omitempty"` // MiB
	Command   string  `json:"command,omitempty" yaml:"command,omitempty"`
	Args      string  `json:"args,omitempty" yaml:"args,omitempty"`
}

// VolumeSpec is opaque volume payload carried by a pod
type VolumeSpec struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"` // "emptyDir" by default
	Size int    `json:"size,omitempty" yaml:"size,omitempty"`
	Path string `json:"path" yaml:"path"`
}

// ConfigItem is opaque configuration payload carried by a pod
type ConfigItem struct {
	Name  string `json:"name" yaml:"name"`
	Type  string `json:"type,omitempty" yaml:"type,omitempty"` // "env" or "secret"
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// NodeSpec is the input to node registration
type NodeSpec struct {
	Name     string   `json:"name" yaml:"name"`
	Type     NodeType `json:"type" yaml:"type"`
	CPUTotal int      `json:"cpu_total" yaml:"cpu_total"`
}

// PodSpec is the input to pod creation
type PodSpec struct {
	Name       string          `json:"name" yaml:"name"`
	CPUReq     int             `json:"cpu_req" yaml:"cpu_req"`
	Containers []ContainerSpec `json:"containers,omitempty" yaml:"containers,omitempty"`
	Volumes    []VolumeSpec    `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	Config     []ConfigItem    `json:"config,omitempty" yaml:"config,omitempty"`
}

// Heartbeat is a liveness report sent by a node
type Heartbeat struct {
	NodeID     uint64                        `json:"node_id"`
	CPUAvail   int                           `json:"cpu_avail"`
	Health     string                        `json:"health"`
	Components map[Component]ComponentStatus `json:"components,omitempty"`
	PodIDs     []uint64                      `json:"pod_ids,omitempty"`
}

// NodeHealth is one row of the cluster health snapshot
type NodeHealth struct {
	NodeID           uint64                        `json:"node_id"`
	Name             string                        `json:"node_name"`
	Type             NodeType                      `json:"node_type"`
	HealthStatus     HealthStatus                  `json:"health_status"`
	RecoveryAttempts int                           `json:"recovery_attempts"`
	PodsCount        int                           `json:"pods_count"`
	CPUAvail         int                           `json:"cpu_avail"`
	CPUTotal         int                           `json:"cpu_total"`
	LastHeartbeatAt  time.Time                     `json:"last_heartbeat_at"`
	Components       map[Component]ComponentStatus `json:"component_status"`
}

// HealthOf builds the snapshot row for a node
func HealthOf(n *Node) NodeHealth {
	components := make(map[Component]ComponentStatus, len(n.ComponentStatuses))
	for k, v := range n.ComponentStatuses {
		components[k] = v
	}
	return NodeHealth{
		NodeID:           n.ID,
		Name:             n.Name,
		Type:             n.Type,
		HealthStatus:     n.HealthStatus,
		RecoveryAttempts: n.RecoveryAttempts,
		PodsCount:        len(n.PodIDs),
		CPUAvail:         n.CPUAvail,
		CPUTotal:         n.CPUTotal,
		LastHeartbeatAt:  n.LastHeartbeatAt,
		Components:       components,
	}
}
