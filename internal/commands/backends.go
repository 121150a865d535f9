package commands

import (
	"context"
	"fmt"
	"os"

	"evalgo.org/katprep/internal/backend"
	"evalgo.org/katprep/internal/backend/foreman"
	"evalgo.org/katprep/internal/backend/icinga2"
	"evalgo.org/katprep/internal/backend/vsphere"
	"evalgo.org/katprep/internal/config"
	"evalgo.org/katprep/internal/credentials"
	"evalgo.org/katprep/internal/orchestration"
)

// newRegistry registers all known backend types. Uyuni/Spacewalk, Nagios and
// libvirt are recognised but have no adapter.
func newRegistry() *backend.Registry {
	r := backend.NewRegistry()

	r.RegisterInventory(foreman.New, "foreman", "katello")
	r.RegisterInventory(func(_ context.Context, cfg backend.ConnectionConfig) (backend.InventoryClient, error) {
		return nil, unsupported(cfg)
	}, "uyuni", "spacewalk")

	r.RegisterMonitoring(icinga2.New, "icinga2", "icinga")
	r.RegisterMonitoring(func(_ context.Context, cfg backend.ConnectionConfig) (backend.MonitoringClient, error) {
		return nil, unsupported(cfg)
	}, "nagios")

	r.RegisterVirtualization(vsphere.New, "vsphere", "pyvmomi")
	r.RegisterVirtualization(func(_ context.Context, cfg backend.ConnectionConfig) (backend.VirtualizationClient, error) {
		return nil, unsupported(cfg)
	}, "libvirt")

	return r
}

func unsupported(cfg backend.ConnectionConfig) error {
	return backend.NewError(backend.ErrUnsupportedBackend, cfg.Address, "connect",
		fmt.Errorf("backend type %q is not implemented", cfg.Type))
}

func managerOptions(c *config.Config) orchestration.ManagerOptions {
	settings := func(b config.BackendConfig) orchestration.BackendSettings {
		return orchestration.BackendSettings{
			Type:     b.Type,
			Address:  b.Address,
			Insecure: b.Insecure,
			Timeout:  b.Timeout,
		}
	}
	return orchestration.ManagerOptions{
		Inventory:      settings(c.Inventory),
		Monitoring:     settings(c.Monitoring),
		Virtualization: settings(c.Virtualization),
		RateLimit:      c.Backends.RateLimit,
	}
}

// newResolver opens the configured credential container, if any, and builds
// the resolver used for all backends.
func newResolver(c *config.Config) (*credentials.Resolver, error) {
	var container *credentials.Container
	if c.Credentials.Container != "" {
		if _, err := os.Stat(c.Credentials.Container); err == nil {
			password, err := containerPassword(c)
			if err != nil {
				return nil, err
			}
			container, err = credentials.OpenContainer(c.Credentials.Container, password)
			if err != nil {
				return nil, fmt.Errorf("failed to open credential container: %w", err)
			}
		} else {
			logger.Warn().Str("container", c.Credentials.Container).Msg("Credential container not found")
		}
	}

	var prompt credentials.PromptFunc
	if c.Credentials.Prompt {
		prompt = credentials.TerminalPrompt(os.Stdin, os.Stderr)
	}
	return credentials.NewResolver(container, prompt), nil
}

func containerPassword(c *config.Config) (string, error) {
	if c.Credentials.Password != "" {
		return c.Credentials.Password, nil
	}
	return credentials.ReadPassword(os.Stdin, os.Stderr, "Container password: ")
}
