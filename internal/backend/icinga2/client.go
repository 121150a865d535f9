// Package icinga2 implements backend.MonitoringClient on top of the Icinga2
// REST API (/v1).
package icinga2

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"evalgo.org/katprep/internal/backend"
	"evalgo.org/katprep/internal/backend/rest"
	"evalgo.org/katprep/models"
)

const (
	defaultPort = "5665"

	// MinimumVersion is the oldest Icinga2 release with the actions used here.
	MinimumVersion = "v2.5.0"
)

// Client talks to one Icinga2 API endpoint.
type Client struct {
	address string
	author  string
	api     *rest.Client
	now     func() time.Time
}

// New connects to Icinga2 and checks the API level.
func New(ctx context.Context, cfg backend.ConnectionConfig) (backend.MonitoringClient, error) {
	c := &Client{
		address: cfg.Address,
		author:  cfg.Username,
		api: rest.NewClient(rest.Options{
			BaseURL:   baseURL(cfg.Address),
			Username:  cfg.Username,
			Password:  cfg.Password,
			Insecure:  cfg.Insecure,
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
		}),
		now: time.Now,
	}
	if err := c.checkVersion(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func baseURL(address string) string {
	u := rest.NormalizeURL(address)
	parsed, err := url.Parse(u)
	if err == nil && parsed.Port() == "" {
		parsed.Host = parsed.Host + ":" + defaultPort
		return parsed.String()
	}
	return u
}

type statusResponse struct {
	Results []struct {
		Status struct {
			IcingaApplication struct {
				App struct {
					Version string `json:"version"`
				} `json:"app"`
			} `json:"icingaapplication"`
		} `json:"status"`
	} `json:"results"`
}

func (c *Client) checkVersion(ctx context.Context) error {
	var resp statusResponse
	if err := c.api.GetJSON(ctx, "/v1/status/IcingaApplication", nil, &resp); err != nil {
		return rest.Classify(c.address, "status", err)
	}
	if len(resp.Results) == 0 {
		return backend.NewError(backend.ErrSession, c.address, "status", fmt.Errorf("empty status response"))
	}
	version := normalizeVersion(resp.Results[0].Status.IcingaApplication.App.Version)
	if !semver.IsValid(version) || semver.Compare(version, MinimumVersion) < 0 {
		return backend.NewError(backend.ErrAPILevelNotSupported, c.address, "status",
			fmt.Errorf("icinga2 %q is older than %s", version, MinimumVersion))
	}
	return nil
}

// normalizeVersion turns "r2.11.3-1" into "v2.11.3".
func normalizeVersion(v string) string {
	v = strings.TrimPrefix(strings.TrimPrefix(v, "r"), "v")
	if i := strings.IndexAny(v, "-+ "); i >= 0 {
		v = v[:i]
	}
	return "v" + v
}

// hostFilter builds the filter expression selecting the target's hosts.
func hostFilter(target models.MonitoringTarget) string {
	id := quote(target.MonitoringID())
	if target.TargetKind() == models.TargetHostGroup {
		return fmt.Sprintf("%s in host.groups", id)
	}
	return fmt.Sprintf("host.name==%s", id)
}

func quote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

type actionResponse struct {
	Results []struct {
		Code   float64 `json:"code"`
		Status string  `json:"status"`
	} `json:"results"`
}

// ScheduleDowntime schedules a fixed downtime for the target and all its services.
func (c *Client) ScheduleDowntime(ctx context.Context, target models.MonitoringTarget, hours int, comment string) (backend.Result, error) {
	present, err := c.HasDowntime(ctx, target)
	if err != nil {
		return backend.Done, err
	}
	if present == backend.Present {
		return backend.AlreadyExists, nil
	}

	start := c.now()
	end := start.Add(time.Duration(hours) * time.Hour)
	payload := map[string]interface{}{
		"type":         "Host",
		"filter":       hostFilter(target),
		"author":       c.author,
		"comment":      comment,
		"start_time":   start.Unix(),
		"end_time":     end.Unix(),
		"fixed":        true,
		"duration":     hours * 3600,
		"all_services": true,
	}

	var resp actionResponse
	if err := c.api.PostJSON(ctx, "/v1/actions/schedule-downtime", payload, &resp); err != nil {
		if rest.StatusCode(err) == http.StatusNotFound {
			return backend.NotFound, nil
		}
		return backend.Done, rest.Classify(c.address, "schedule-downtime", err)
	}
	if len(resp.Results) == 0 {
		return backend.NotFound, nil
	}
	return backend.Done, nil
}

// RemoveDowntime removes all downtimes of the target's hosts.
func (c *Client) RemoveDowntime(ctx context.Context, target models.MonitoringTarget) (backend.Result, error) {
	present, err := c.HasDowntime(ctx, target)
	if err != nil {
		return backend.Done, err
	}
	if present == backend.Absent {
		return backend.NotFound, nil
	}

	payload := map[string]interface{}{
		"type":   "Host",
		"filter": hostFilter(target),
	}
	var resp actionResponse
	if err := c.api.PostJSON(ctx, "/v1/actions/remove-downtime", payload, &resp); err != nil {
		if rest.StatusCode(err) == http.StatusNotFound {
			return backend.NotFound, nil
		}
		return backend.Done, rest.Classify(c.address, "remove-downtime", err)
	}
	return backend.Done, nil
}

type objectsResponse struct {
	Results []struct {
		Name  string `json:"name"`
		Attrs struct {
			Name          string  `json:"name"`
			State         float64 `json:"state"`
			DowntimeDepth float64 `json:"downtime_depth"`
		} `json:"attrs"`
	} `json:"results"`
}

// HasDowntime reports whether any of the target's hosts is in downtime.
// Unknown hosts and groups are Absent.
func (c *Client) HasDowntime(ctx context.Context, target models.MonitoringTarget) (backend.Presence, error) {
	params := url.Values{
		"filter": {hostFilter(target)},
		"attrs":  {"name", "downtime_depth"},
	}
	var resp objectsResponse
	if err := c.api.GetJSON(ctx, "/v1/objects/hosts", params, &resp); err != nil {
		if rest.StatusCode(err) == http.StatusNotFound {
			return backend.Absent, nil
		}
		return backend.Absent, rest.Classify(c.address, "objects/hosts", err)
	}
	for _, r := range resp.Results {
		if r.Attrs.DowntimeDepth > 0 {
			return backend.Present, nil
		}
	}
	return backend.Absent, nil
}

// GetServices lists the services of the target's hosts.
func (c *Client) GetServices(ctx context.Context, target models.MonitoringTarget, onlyFailed bool) ([]backend.Service, error) {
	filter := hostFilter(target)
	if onlyFailed {
		filter += " && service.state!=0"
	}
	params := url.Values{
		"filter": {filter},
		"attrs":  {"name", "state"},
	}
	var resp objectsResponse
	if err := c.api.GetJSON(ctx, "/v1/objects/services", params, &resp); err != nil {
		if rest.StatusCode(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, rest.Classify(c.address, "objects/services", err)
	}

	services := make([]backend.Service, 0, len(resp.Results))
	for _, r := range resp.Results {
		services = append(services, backend.Service{
			Name:  r.Attrs.Name,
			State: stateName(int(r.Attrs.State)),
		})
	}
	return services, nil
}

func stateName(state int) string {
	switch state {
	case 0:
		return "Ok"
	case 1:
		return "Warning"
	case 2:
		return "Critical"
	default:
		return "Unknown"
	}
}
