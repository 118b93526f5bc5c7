package provision

import (
	"context"

	"github.com/verdantcompute/verdant-node/internal/domain"
)

// AccessInfo provides SSH connection details for the tenant
type AccessInfo struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	User        string `json:"user"`
	Command     string `json:"command"`
	ContainerID string `json:"container_id"`
}

// Provisioner sets up and tears down tenant access to a reserved GPU. The
// scheduler core never calls it directly; the manager drives it on
// activation and termination transitions.
type Provisioner interface {
	Provision(ctx context.Context, res domain.Reservation) (*AccessInfo, error)
	Teardown(ctx context.Context, reservationID string) error
}

// Noop is the default provisioner for deployments where access setup is
// handled elsewhere
type Noop struct{}

func (Noop) Provision(_ context.Context, _ domain.Reservation) (*AccessInfo, error) {
	return nil, nil
}

func (Noop) Teardown(_ context.Context, _ string) error {
	return nil
}

// Compile-time interface check
var _ Provisioner = Noop{}
