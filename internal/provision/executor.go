package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/verdantcompute/verdant-node/internal/domain"
)

var (
	ErrAlreadyProvisioned  = errors.New("reservation already provisioned")
	ErrNotProvisioned      = errors.New("reservation not provisioned")
	ErrContainerNotHealthy = errors.New("container failed health check within timeout")
)

// lease tracks one provisioned reservation's runtime state
type lease struct {
	ReservationID string
	ContainerID   string
	SSHPort       int
	StartedAt     time.Time
	StoppedAt     *time.Time
}

// DockerServiceInterface defines operations needed from the Docker service
type DockerServiceInterface interface {
	CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error)
}

// PortManagerInterface defines operations needed from the port manager
type PortManagerInterface interface {
	Allocate(reservationID string) (int, error)
	Release(port int) error
}

// ExecutorConfig holds the static parameters for tenant containers
type ExecutorConfig struct {
	Image       string        // Base image for tenant containers
	Host        string        // Host address used in SSH commands
	MemoryBytes int64         // Per-container memory limit
	CPUCount    int64         // Per-container CPU count
	GracePeriod time.Duration // Delay before removing stopped containers

	// KeyLookup resolves a requester to their SSH public key. A nil lookup
	// provisions containers without a tenant key (console access only).
	KeyLookup func(requester string) (string, error)
}

// DockerExecutor provisions tenant access by running an SSH-enabled container
// pinned to the reserved GPU. It implements Provisioner.
type DockerExecutor struct {
	docker DockerServiceInterface
	ports  PortManagerInterface
	cfg    ExecutorConfig
	log    zerolog.Logger

	mu             sync.RWMutex
	active         map[string]*lease // reservationID -> lease
	healthTimeout  time.Duration
	healthInterval time.Duration
}

// NewDockerExecutor creates a Docker-backed provisioner
func NewDockerExecutor(docker DockerServiceInterface, ports PortManagerInterface, cfg ExecutorConfig, log zerolog.Logger) *DockerExecutor {
	return &DockerExecutor{
		docker:         docker,
		ports:          ports,
		cfg:            cfg,
		log:            log,
		active:         make(map[string]*lease),
		healthTimeout:  60 * time.Second,
		healthInterval: 2 * time.Second,
	}
}

// Compile-time interface check
var _ Provisioner = (*DockerExecutor)(nil)

// Provision allocates a port, creates and starts the tenant container, waits
// for health, and returns connection details
func (e *DockerExecutor) Provision(ctx context.Context, res domain.Reservation) (*AccessInfo, error) {
	e.mu.Lock()
	if _, exists := e.active[res.ID]; exists {
		e.mu.Unlock()
		return nil, ErrAlreadyProvisioned
	}
	e.mu.Unlock()

	publicKey := ""
	if e.cfg.KeyLookup != nil {
		key, err := e.cfg.KeyLookup(res.Requester)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve tenant key: %w", err)
		}
		publicKey = key
	}

	sshPort, err := e.ports.Allocate(res.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate port: %w", err)
	}

	var containerID string
	cleanupOnError := func() {
		if containerID != "" {
			_ = e.docker.RemoveContainer(context.Background(), containerID, true)
		}
		_ = e.ports.Release(sshPort)
	}

	containerID, err = e.docker.CreateContainer(ctx, ContainerConfig{
		ReservationID: res.ID,
		Image:         e.cfg.Image,
		GPUDeviceID:   res.GPUID,
		SSHPublicKey:  publicKey,
		SSHPort:       sshPort,
		MemoryBytes:   e.cfg.MemoryBytes,
		CPUCount:      e.cfg.CPUCount,
	})
	if err != nil {
		cleanupOnError()
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := e.docker.StartContainer(ctx, containerID); err != nil {
		cleanupOnError()
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	if err := e.waitForHealth(ctx, containerID); err != nil {
		cleanupOnError()
		return nil, fmt.Errorf("failed health check: %w", err)
	}

	e.mu.Lock()
	e.active[res.ID] = &lease{
		ReservationID: res.ID,
		ContainerID:   containerID,
		SSHPort:       sshPort,
		StartedAt:     time.Now(),
	}
	e.mu.Unlock()

	e.log.Info().
		Str("reservation_id", res.ID).
		Str("container_id", containerID).
		Int("ssh_port", sshPort).
		Msg("tenant container provisioned")

	return &AccessInfo{
		Host:        e.cfg.Host,
		Port:        sshPort,
		User:        "tenant",
		Command:     fmt.Sprintf("ssh -p %d tenant@%s", sshPort, e.cfg.Host),
		ContainerID: containerID,
	}, nil
}

// waitForHealth polls container health until healthy or timeout
func (e *DockerExecutor) waitForHealth(ctx context.Context, containerID string) error {
	deadline := time.Now().Add(e.healthTimeout)

	for {
		if time.Now().After(deadline) {
			return ErrContainerNotHealthy
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		info, err := e.docker.InspectContainer(ctx, containerID)
		if err != nil {
			return fmt.Errorf("failed to inspect container: %w", err)
		}

		if info.State == "running" {
			// No health check defined means running counts as healthy
			if info.Health == "" || info.Health == "healthy" {
				return nil
			}
			if info.Health == "unhealthy" {
				return ErrContainerNotHealthy
			}
		}

		if info.State == "exited" || info.State == "dead" {
			return fmt.Errorf("container stopped during startup: state=%s", info.State)
		}

		time.Sleep(e.healthInterval)
	}
}

// Teardown stops the tenant container and schedules its removal after the
// grace period
func (e *DockerExecutor) Teardown(ctx context.Context, reservationID string) error {
	e.mu.Lock()
	l, exists := e.active[reservationID]
	if !exists {
		e.mu.Unlock()
		return ErrNotProvisioned
	}
	now := time.Now()
	l.StoppedAt = &now
	e.mu.Unlock()

	if err := e.docker.StopContainer(ctx, l.ContainerID, 10); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}

	go e.scheduleCleanup(reservationID, l.ContainerID, l.SSHPort)

	return nil
}

// scheduleCleanup waits out the grace period, then removes the container and
// releases the port
func (e *DockerExecutor) scheduleCleanup(reservationID, containerID string, sshPort int) {
	time.Sleep(e.cfg.GracePeriod)

	ctx := context.Background()
	if err := e.docker.RemoveContainer(ctx, containerID, true); err != nil {
		e.log.Warn().Err(err).Str("container_id", containerID).Msg("failed to remove container")
	}
	_ = e.ports.Release(sshPort)

	e.mu.Lock()
	delete(e.active, reservationID)
	e.mu.Unlock()
}

// ActiveLeases returns the reservation IDs with a live container
func (e *DockerExecutor) ActiveLeases() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.active))
	for id, l := range e.active {
		if l.StoppedAt == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
