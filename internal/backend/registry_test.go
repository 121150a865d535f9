package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/katprep/models"
)

type nopMonitoring struct{ address string }

func (n *nopMonitoring) ScheduleDowntime(ctx context.Context, target models.MonitoringTarget, hours int, comment string) (Result, error) {
	return Done, nil
}

func (n *nopMonitoring) RemoveDowntime(ctx context.Context, target models.MonitoringTarget) (Result, error) {
	return NotFound, nil
}

func (n *nopMonitoring) HasDowntime(ctx context.Context, target models.MonitoringTarget) (Presence, error) {
	return Absent, nil
}

func (n *nopMonitoring) GetServices(ctx context.Context, target models.MonitoringTarget, onlyFailed bool) ([]Service, error) {
	return nil, nil
}

func TestRegistry_Monitoring(t *testing.T) {
	r := NewRegistry()
	r.RegisterMonitoring(func(ctx context.Context, cfg ConnectionConfig) (MonitoringClient, error) {
		return &nopMonitoring{address: cfg.Address}, nil
	}, "icinga", "Icinga2")

	cli, err := r.NewMonitoring(context.Background(), ConnectionConfig{Type: "ICINGA2", Address: "mon1"})
	require.NoError(t, err)
	assert.Equal(t, "mon1", cli.(*nopMonitoring).address)

	_, err = r.NewMonitoring(context.Background(), ConnectionConfig{Type: "nagios", Address: "mon1"})
	assert.ErrorIs(t, err, ErrUnsupportedBackend)
	assert.Contains(t, err.Error(), "icinga, icinga2")
}

func TestRegistry_UnknownKinds(t *testing.T) {
	r := NewRegistry()

	_, err := r.NewInventory(context.Background(), ConnectionConfig{Type: "uyuni"})
	assert.ErrorIs(t, err, ErrUnsupportedBackend)

	_, err = r.NewVirtualization(context.Background(), ConnectionConfig{Type: "libvirt"})
	assert.ErrorIs(t, err, ErrUnsupportedBackend)
	assert.Contains(t, err.Error(), "none")
}

func TestError_Is(t *testing.T) {
	cause := errors.New("HTTP 401")
	err := NewError(ErrInvalidCredentials, "vc1", "login", cause)

	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrSession)
	assert.Equal(t, "vc1: login: invalid credentials: HTTP 401", err.Error())

	assert.False(t, IsFatal(err))
	assert.True(t, IsFatal(NewError(ErrAPILevelNotSupported, "sat", "connect", nil)))
}
