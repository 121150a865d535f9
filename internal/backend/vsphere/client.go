// Package vsphere implements backend.VirtualizationClient for VMware vSphere
// using govmomi.
package vsphere

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
	"golang.org/x/mod/semver"

	"evalgo.org/katprep/internal/backend"
	"evalgo.org/katprep/models"
)

// MinimumAPIVersion is the oldest vSphere API release katprep talks to.
const MinimumAPIVersion = "v6.0.0"

// Client holds one vCenter/ESXi session.
//
// The finder is not safe for concurrent use, so lookups are serialized.
type Client struct {
	address string
	client  *govmomi.Client

	mu          sync.Mutex
	finder      *find.Finder
	datacenters []*object.Datacenter
}

// New logs in to vSphere and checks the API version.
func New(ctx context.Context, cfg backend.ConnectionConfig) (backend.VirtualizationClient, error) {
	u, err := soap.ParseURL(cfg.Address)
	if err != nil {
		return nil, backend.NewError(backend.ErrSession, cfg.Address, "connect", err)
	}
	u.User = url.UserPassword(cfg.Username, cfg.Password)

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	gc, err := govmomi.NewClient(ctx, u, cfg.Insecure)
	if err != nil {
		if isInvalidLogin(err) {
			return nil, backend.NewError(backend.ErrInvalidCredentials, cfg.Address, "login", err)
		}
		return nil, backend.NewError(backend.ErrSession, cfg.Address, "connect", err)
	}

	c := &Client{address: cfg.Address, client: gc}
	if err := c.checkAPIVersion(); err != nil {
		_ = gc.Logout(ctx)
		return nil, err
	}

	c.finder = find.NewFinder(gc.Client, true)
	c.datacenters, err = c.finder.DatacenterList(ctx, "*")
	if err != nil {
		_ = gc.Logout(ctx)
		return nil, backend.NewError(backend.ErrSession, cfg.Address, "datacenters", err)
	}
	return c, nil
}

func (c *Client) checkAPIVersion() error {
	about := c.client.ServiceContent.About
	version := normalizeVersion(about.ApiVersion)
	if !semver.IsValid(version) || semver.Compare(version, MinimumAPIVersion) < 0 {
		return backend.NewError(backend.ErrAPILevelNotSupported, c.address, "about",
			fmt.Errorf("%s API %q is older than %s", about.Name, about.ApiVersion, MinimumAPIVersion))
	}
	return nil
}

// normalizeVersion turns "8.0.1.0" into "v8.0.1".
func normalizeVersion(v string) string {
	parts := strings.Split(strings.TrimPrefix(v, "v"), ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	return "v" + strings.Join(parts[:3], ".")
}

func isInvalidLogin(err error) bool {
	if !soap.IsSoapFault(err) {
		return false
	}
	_, ok := soap.ToSoapFault(err).VimFault().(types.InvalidLogin)
	return ok
}

// Close ends the session.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Logout(ctx)
}

// vm resolves the host's VM in any datacenter. A nil VM means it does not exist.
func (c *Client) vm(ctx context.Context, host *models.Host) (*object.VirtualMachine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := host.VirtualisationID()
	for _, dc := range c.datacenters {
		c.finder.SetDatacenter(dc)
		vm, err := c.finder.VirtualMachine(ctx, name)
		if err == nil {
			return vm, nil
		}
		var nf *find.NotFoundError
		if !errors.As(err, &nf) {
			return nil, backend.NewError(backend.ErrSession, c.address, "find vm", err)
		}
	}
	return nil, nil
}

// hasSnapshot walks the VM's snapshot tree for a snapshot named title.
func (c *Client) hasSnapshot(ctx context.Context, vm *object.VirtualMachine, title string) (bool, error) {
	var props mo.VirtualMachine
	if err := vm.Properties(ctx, vm.Reference(), []string{"snapshot"}, &props); err != nil {
		return false, backend.NewError(backend.ErrSession, c.address, "snapshot tree", err)
	}
	if props.Snapshot == nil {
		return false, nil
	}
	return containsSnapshot(props.Snapshot.RootSnapshotList, title), nil
}

func containsSnapshot(tree []types.VirtualMachineSnapshotTree, title string) bool {
	for _, node := range tree {
		if node.Name == title || containsSnapshot(node.ChildSnapshotList, title) {
			return true
		}
	}
	return false
}

// HasSnapshot reports whether the host's VM has a snapshot named title.
// Unknown VMs are Absent.
func (c *Client) HasSnapshot(ctx context.Context, host *models.Host, title string) (backend.Presence, error) {
	vm, err := c.vm(ctx, host)
	if err != nil || vm == nil {
		return backend.Absent, err
	}
	found, err := c.hasSnapshot(ctx, vm, title)
	if err != nil || !found {
		return backend.Absent, err
	}
	return backend.Present, nil
}

// CreateSnapshot takes a snapshot without memory and without quiescing.
func (c *Client) CreateSnapshot(ctx context.Context, host *models.Host, title, description string) (backend.Result, error) {
	vm, err := c.vm(ctx, host)
	if err != nil {
		return backend.Done, err
	}
	if vm == nil {
		return backend.NotFound, nil
	}
	found, err := c.hasSnapshot(ctx, vm, title)
	if err != nil {
		return backend.Done, err
	}
	if found {
		return backend.AlreadyExists, nil
	}

	task, err := vm.CreateSnapshot(ctx, title, description, false, false)
	if err != nil {
		return backend.Done, backend.NewError(backend.ErrSession, c.address, "create snapshot", err)
	}
	if err := task.Wait(ctx); err != nil {
		return backend.Done, backend.NewError(backend.ErrSession, c.address, "create snapshot", err)
	}
	return backend.Done, nil
}

// RemoveSnapshot deletes the snapshot named title, keeping its children.
func (c *Client) RemoveSnapshot(ctx context.Context, host *models.Host, title string) (backend.Result, error) {
	return c.withSnapshot(ctx, host, title, "remove snapshot", func(vm *object.VirtualMachine) (*object.Task, error) {
		return vm.RemoveSnapshot(ctx, title, false, nil)
	})
}

// RevertSnapshot reverts the VM to the snapshot named title.
func (c *Client) RevertSnapshot(ctx context.Context, host *models.Host, title string) (backend.Result, error) {
	return c.withSnapshot(ctx, host, title, "revert snapshot", func(vm *object.VirtualMachine) (*object.Task, error) {
		return vm.RevertToSnapshot(ctx, title, true)
	})
}

func (c *Client) withSnapshot(ctx context.Context, host *models.Host, title, op string, fn func(*object.VirtualMachine) (*object.Task, error)) (backend.Result, error) {
	vm, err := c.vm(ctx, host)
	if err != nil {
		return backend.Done, err
	}
	if vm == nil {
		return backend.NotFound, nil
	}
	found, err := c.hasSnapshot(ctx, vm, title)
	if err != nil {
		return backend.Done, err
	}
	if !found {
		return backend.NotFound, nil
	}

	task, err := fn(vm)
	if err != nil {
		return backend.Done, backend.NewError(backend.ErrSession, c.address, op, err)
	}
	if err := task.Wait(ctx); err != nil {
		return backend.Done, backend.NewError(backend.ErrSession, c.address, op, err)
	}
	return backend.Done, nil
}
