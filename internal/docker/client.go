// Package docker manages the connection to the Docker daemon.
package docker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

var (
	// ErrClientNotInitialized indicates the client was not initialized
	ErrClientNotInitialized = errors.New("Docker client not initialized")

	// ErrClientClosed indicates the client has been closed
	ErrClientClosed = errors.New("Docker client manager has been closed")

	// ErrConnectionFailed indicates a connection failure to Docker daemon
	ErrConnectionFailed = errors.New("failed to connect to Docker daemon")
)

// ClientConfig represents the configuration for the Docker client
type ClientConfig struct {
	// Host is the Docker daemon socket to connect to
	Host string

	// APIVersion is the Docker API version to use
	APIVersion string

	// Logger is the logger used by the manager
	Logger *logrus.Logger
}

// ClientOption represents a functional option for configuring the Docker client
type ClientOption func(*ClientConfig)

// WithHost sets the Docker daemon host
func WithHost(host string) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Host = host
	}
}

// WithAPIVersion sets the Docker API version
func WithAPIVersion(version string) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.APIVersion = version
	}
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Logger = logger
	}
}

// Manager provides access to a shared Docker API client.
type Manager interface {
	// GetClient returns the underlying Docker API client
	GetClient() (client.APIClient, error)

	// Ping verifies connectivity with the Docker daemon
	Ping(ctx context.Context) error

	// Close releases the client connection
	Close() error
}

// clientManager is the default Manager implementation
type clientManager struct {
	cli    client.APIClient
	logger *logrus.Logger
	mu     sync.Mutex
	closed bool
}

// NewManager creates a Docker client manager. Host and API version default to
// the environment (DOCKER_HOST etc.) when not set.
func NewManager(opts ...ClientOption) (Manager, error) {
	cfg := &ClientConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	clientOpts := []client.Opt{client.FromEnv}
	if cfg.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		clientOpts = append(clientOpts, client.WithVersion(cfg.APIVersion))
	} else {
		clientOpts = append(clientOpts, client.WithAPIVersionNegotiation())
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	cfg.Logger.WithFields(logrus.Fields{
		"host": cfg.Host,
	}).Debug("Created Docker client")

	return &clientManager{
		cli:    cli,
		logger: cfg.Logger,
	}, nil
}

// GetClient returns the underlying Docker API client
func (m *clientManager) GetClient() (client.APIClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClientClosed
	}
	if m.cli == nil {
		return nil, ErrClientNotInitialized
	}
	return m.cli, nil
}

// Ping verifies connectivity with the Docker daemon
func (m *clientManager) Ping(ctx context.Context) error {
	cli, err := m.GetClient()
	if err != nil {
		return err
	}

	if _, err := cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

// Close releases the client connection
func (m *clientManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if m.cli != nil {
		return m.cli.Close()
	}
	return nil
}
