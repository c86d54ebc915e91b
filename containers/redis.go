package containers

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisConfig holds configuration for a Redis test container.
type RedisConfig struct {
	// Image is the Docker image to use (default: "redis:7-alpine").
	Image string
	// Password enables requirepass authentication when non-empty
	// (default: no auth).
	Password string
	// StartupTimeout is the maximum time to wait for Redis to accept
	// connections (default: 30s).
	StartupTimeout time.Duration
}

// DefaultRedisConfig returns the default Redis test configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Image:          "redis:7-alpine",
		StartupTimeout: 30 * time.Second,
	}
}

// SetupRedis starts a Redis container and returns its address in host:port
// form, ready for go-redis clients. A nil config uses DefaultRedisConfig.
// Redis starts in under a second, so a TCP check on the mapped port is
// enough to detect readiness.
func SetupRedis(ctx context.Context, config *RedisConfig) (string, ContainerCleanup, error) {
	if config == nil {
		defaultConfig := DefaultRedisConfig()
		config = &defaultConfig
	}

	req := testcontainers.ContainerRequest{
		Image:        config.Image,
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForListeningPort("6379/tcp").
			WithStartupTimeout(config.StartupTimeout),
	}
	if config.Password != "" {
		req.Cmd = []string{"redis-server", "--requirepass", config.Password}
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", func() {}, fmt.Errorf("failed to start Redis container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return "", func() {}, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		_ = container.Terminate(ctx)
		return "", func() {}, fmt.Errorf("failed to get mapped port: %w", err)
	}

	return fmt.Sprintf("%s:%s", host, port.Port()), createCleanupFunc(ctx, container, "Redis"), nil
}
