// Package foreman implements backend.InventoryClient on top of the
// Foreman/Katello API v2 and the remote execution plugin.
package foreman

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"evalgo.org/katprep/internal/backend"
	"evalgo.org/katprep/internal/backend/rest"
	"evalgo.org/katprep/models"
)

// Remote execution features and task labels used by katprep.
const (
	FeatureErrataInstall = "katello_errata_install"
	FeaturePackageUpdate = "katello_package_update"
	FeaturePowerAction   = "power_action"

	LabelErrataInstall = "Actions::Katello::Host::Erratum::Install"
	LabelPackageUpdate = "Actions::Katello::Host::Package::Update"

	// MinimumAPIVersion is the oldest supported Foreman API version.
	MinimumAPIVersion = 2

	// acceptAPIv2 pins the API version independent of the server default.
	acceptAPIv2 = "version=2,application/json"

	// tracesRebootRequired is Katello's traces_status for "reboot needed".
	tracesRebootRequired = 2
)

// Client talks to one Foreman server.
type Client struct {
	address string
	api     *rest.Client
	now     func() time.Time

	mu      sync.Mutex
	hostIDs map[string]int64
}

// New connects to Foreman and checks the API version.
func New(ctx context.Context, cfg backend.ConnectionConfig) (backend.InventoryClient, error) {
	c := &Client{
		address: cfg.Address,
		api: rest.NewClient(rest.Options{
			BaseURL:   rest.NormalizeURL(cfg.Address),
			Username:  cfg.Username,
			Password:  cfg.Password,
			Insecure:  cfg.Insecure,
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			Headers:   map[string]string{"Accept": acceptAPIv2},
		}),
		now:     time.Now,
		hostIDs: make(map[string]int64),
	}
	if err := c.checkAPIVersion(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) checkAPIVersion(ctx context.Context) error {
	var status struct {
		Version    string `json:"version"`
		APIVersion int    `json:"api_version"`
	}
	if err := c.api.GetJSON(ctx, "/api/v2/status", nil, &status); err != nil {
		return rest.Classify(c.address, "status", err)
	}
	if status.APIVersion < MinimumAPIVersion {
		return backend.NewError(backend.ErrAPILevelNotSupported, c.address, "status",
			fmt.Errorf("foreman %s speaks API v%d, need v%d", status.Version, status.APIVersion, MinimumAPIVersion))
	}
	return nil
}

type listResponse[T any] struct {
	Total   int `json:"total"`
	Results []T `json:"results"`
}

// hostID resolves a hostname (or a numeric id passed as string) to the Foreman host id.
func (c *Client) hostID(ctx context.Context, name string) (int64, error) {
	if id, err := strconv.ParseInt(name, 10, 64); err == nil {
		return id, nil
	}

	c.mu.Lock()
	id, ok := c.hostIDs[name]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	var resp listResponse[struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}]
	params := url.Values{"search": {fmt.Sprintf("name = %q", name)}}
	if err := c.api.GetJSON(ctx, "/api/v2/hosts", params, &resp); err != nil {
		return 0, rest.Classify(c.address, "hosts", err)
	}
	if len(resp.Results) == 0 {
		return 0, backend.NewError(backend.ErrNotFound, c.address, "hosts", fmt.Errorf("host %s", name))
	}

	c.mu.Lock()
	c.hostIDs[name] = resp.Results[0].ID
	c.mu.Unlock()
	return resp.Results[0].ID, nil
}

// IsRebootRequired reports whether Katello traces flag the host for a reboot.
func (c *Client) IsRebootRequired(ctx context.Context, host *models.Host) (bool, error) {
	id, err := c.hostID(ctx, host.Hostname())
	if err != nil {
		return false, err
	}
	var details struct {
		TracesStatus int `json:"traces_status"`
	}
	if err := c.api.GetJSON(ctx, fmt.Sprintf("/api/v2/hosts/%d", id), nil, &details); err != nil {
		return false, rest.Classify(c.address, "host", err)
	}
	return details.TracesStatus == tracesRebootRequired, nil
}

// InstallPatches installs the host's report errata that Katello still lists
// as applicable. Errata published after the report are left alone.
func (c *Client) InstallPatches(ctx context.Context, host *models.Host) error {
	patches := host.Patches()
	if len(patches) == 0 {
		return nil
	}
	id, err := c.hostID(ctx, host.Hostname())
	if err != nil {
		return err
	}

	var resp listResponse[struct {
		ErrataID string `json:"errata_id"`
	}]
	params := url.Values{"per_page": {"1000"}}
	if err := c.api.GetJSON(ctx, fmt.Sprintf("/api/v2/hosts/%d/errata", id), params, &resp); err != nil {
		return rest.Classify(c.address, "errata", err)
	}
	applicable := make(map[string]struct{}, len(resp.Results))
	for _, e := range resp.Results {
		applicable[e.ErrataID] = struct{}{}
	}

	ids := make([]string, 0, len(patches))
	for _, p := range patches {
		if _, ok := applicable[p.Name]; ok {
			ids = append(ids, p.Name)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return c.invokeJob(ctx, host, FeatureErrataInstall, map[string]string{"errata": strings.Join(ids, ",")})
}

// InstallUpgrades installs all available package upgrades on the host.
func (c *Client) InstallUpgrades(ctx context.Context, host *models.Host) error {
	return c.invokeJob(ctx, host, FeaturePackageUpdate, map[string]string{"package": ""})
}

// RebootHost restarts the host through remote execution.
func (c *Client) RebootHost(ctx context.Context, host *models.Host) error {
	return c.invokeJob(ctx, host, FeaturePowerAction, map[string]string{"action": "restart"})
}

func (c *Client) invokeJob(ctx context.Context, host *models.Host, feature string, inputs map[string]string) error {
	payload := map[string]interface{}{
		"job_invocation": map[string]interface{}{
			"feature":        feature,
			"inputs":         inputs,
			"targeting_type": "static_query",
			"search_query":   fmt.Sprintf("name = %s", host.Hostname()),
		},
	}
	if err := c.api.PostJSON(ctx, "/api/job_invocations", payload, nil); err != nil {
		return rest.Classify(c.address, feature, err)
	}
	return nil
}

// ErrataTaskStatus returns errata installation tasks of the host.
func (c *Client) ErrataTaskStatus(ctx context.Context, hostID string) ([]backend.TaskRecord, error) {
	return c.tasks(ctx, hostID, LabelErrataInstall)
}

// UpgradeTaskStatus returns package upgrade tasks of the host.
func (c *Client) UpgradeTaskStatus(ctx context.Context, hostID string) ([]backend.TaskRecord, error) {
	return c.tasks(ctx, hostID, LabelPackageUpdate)
}

type taskResource struct {
	ID        string     `json:"id"`
	Label     string     `json:"label"`
	State     string     `json:"state"`
	Result    string     `json:"result"`
	StartedAt *time.Time `json:"started_at"`
	Output    struct {
		TotalCount   *int `json:"total_count"`
		SuccessCount *int `json:"success_count"`
		FailedCount  *int `json:"failed_count"`
		PendingCount *int `json:"pending_count"`
	} `json:"output"`
}

func (c *Client) tasks(ctx context.Context, hostName, label string) ([]backend.TaskRecord, error) {
	id, err := c.hostID(ctx, hostName)
	if err != nil {
		return nil, err
	}

	since := c.now().Format("2006-01-02")
	search := fmt.Sprintf("label = %s and resource_type = Host::Managed and resource_id = %d and started_at >= %q",
		label, id, since)

	var resp listResponse[taskResource]
	params := url.Values{"search": {search}, "per_page": {"100"}}
	if err := c.api.GetJSON(ctx, "/foreman_tasks/api/tasks", params, &resp); err != nil {
		return nil, rest.Classify(c.address, "tasks", err)
	}

	records := make([]backend.TaskRecord, 0, len(resp.Results))
	for _, t := range resp.Results {
		records = append(records, toRecord(t))
	}
	return records, nil
}

// toRecord maps a foreman task; tasks without output counters count as a
// single step derived from state and result.
func toRecord(t taskResource) backend.TaskRecord {
	rec := backend.TaskRecord{
		ID:     t.ID,
		Label:  t.Label,
		State:  t.State,
		Result: t.Result,
	}
	if t.StartedAt != nil {
		rec.StartedAt = *t.StartedAt
	}

	if t.Output.TotalCount != nil {
		rec.Total = *t.Output.TotalCount
		rec.Succeeded = deref(t.Output.SuccessCount)
		rec.Failed = deref(t.Output.FailedCount)
		rec.Pending = deref(t.Output.PendingCount)
		return rec
	}

	rec.Total = 1
	switch {
	case t.State != "stopped":
		rec.Pending = 1
	case t.Result == "error" || t.Result == "warning":
		rec.Failed = 1
	default:
		rec.Succeeded = 1
	}
	return rec
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
