package models

// TargetKind distinguishes the variants of MonitoringTarget.
type TargetKind int

const (
	// TargetHost is a single monitored host
	TargetHost TargetKind = iota

	// TargetHostGroup is a group of monitored hosts
	TargetHostGroup
)

func (k TargetKind) String() string {
	if k == TargetHostGroup {
		return "hostgroup"
	}
	return "host"
}

// MonitoringTarget is something a downtime can be scheduled for. Monitoring
// adapters switch on TargetKind to build their filter expressions.
type MonitoringTarget interface {
	MonitoringID() string
	TargetKind() TargetKind
}

// HostGroup is a named group of hosts at the monitoring backend.
type HostGroup struct {
	Name string `json:"name"`
}

// NewHostGroup creates a host group.
func NewHostGroup(name string) *HostGroup {
	return &HostGroup{Name: name}
}

// MonitoringID is the group name; host groups have no name override.
func (g *HostGroup) MonitoringID() string { return g.Name }

// TargetKind implements MonitoringTarget.
func (g *HostGroup) TargetKind() TargetKind { return TargetHostGroup }

// Equal compares host groups by name.
func (g *HostGroup) Equal(other *HostGroup) bool {
	if g == nil || other == nil {
		return g == other
	}
	return g.Name == other.Name
}
