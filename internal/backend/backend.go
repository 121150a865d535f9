// Package backend defines the capability interfaces katprep needs from the
// inventory, monitoring and virtualization systems it coordinates.
//
// Concrete adapters live in sub-packages (foreman, icinga2, vsphere) and are
// registered by type name in a Registry. The orchestrator only ever talks to
// the interfaces declared here.
//
// Normal "nothing to do" situations are not errors: mutating calls return a
// Result (Done, AlreadyExists, NotFound, Unsupported) and existence checks
// return a Presence. Errors are reserved for real failures and wrap one of the
// sentinel kinds in errors.go.
package backend

import (
	"context"
	"time"

	"evalgo.org/katprep/models"
)

// Result is the outcome of a mutating backend call.
type Result int

const (
	// Done means the requested change was applied
	Done Result = iota

	// AlreadyExists means the object to create was already present
	AlreadyExists

	// NotFound means the target object does not exist; there is nothing to do
	NotFound

	// Unsupported means the backend structurally cannot perform the request
	Unsupported
)

func (r Result) String() string {
	switch r {
	case Done:
		return "done"
	case AlreadyExists:
		return "already_exists"
	case NotFound:
		return "not_found"
	case Unsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Presence is the outcome of an existence check.
type Presence int

const (
	// Absent covers both "object has no such item" and "object not resolvable"
	Absent Presence = iota

	// Present means the item exists
	Present
)

func (p Presence) String() string {
	if p == Present {
		return "present"
	}
	return "absent"
}

// Service is a monitored service and its current state.
type Service struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// TaskRecord is a backend task (errata installation, package upgrade) with
// the progress counters reported by the inventory backend.
type TaskRecord struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	State     string    `json:"state"`
	Result    string    `json:"result"`
	StartedAt time.Time `json:"started_at"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Pending   int       `json:"pending"`
}

// InventoryClient is what the orchestrator needs from Foreman/Katello or
// Uyuni/Spacewalk.
type InventoryClient interface {
	IsRebootRequired(ctx context.Context, host *models.Host) (bool, error)
	InstallPatches(ctx context.Context, host *models.Host) error
	InstallUpgrades(ctx context.Context, host *models.Host) error
	RebootHost(ctx context.Context, host *models.Host) error
	ErrataTaskStatus(ctx context.Context, hostID string) ([]TaskRecord, error)
	UpgradeTaskStatus(ctx context.Context, hostID string) ([]TaskRecord, error)
}

// MonitoringClient is what the orchestrator needs from Icinga2 or Nagios.
type MonitoringClient interface {
	ScheduleDowntime(ctx context.Context, target models.MonitoringTarget, hours int, comment string) (Result, error)
	RemoveDowntime(ctx context.Context, target models.MonitoringTarget) (Result, error)
	HasDowntime(ctx context.Context, target models.MonitoringTarget) (Presence, error)
	GetServices(ctx context.Context, target models.MonitoringTarget, onlyFailed bool) ([]Service, error)
}

// VirtualizationClient is what the orchestrator needs from vSphere or libvirt.
type VirtualizationClient interface {
	CreateSnapshot(ctx context.Context, host *models.Host, title, description string) (Result, error)
	RemoveSnapshot(ctx context.Context, host *models.Host, title string) (Result, error)
	RevertSnapshot(ctx context.Context, host *models.Host, title string) (Result, error)
	HasSnapshot(ctx context.Context, host *models.Host, title string) (Presence, error)
}

// Closer is implemented by clients holding a session that should be ended.
type Closer interface {
	Close(ctx context.Context) error
}
