//go:build integration

// Package testutil provides a real Redis for integration tests.
package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisImage is the broker image integration tests run against.
const RedisImage = "redis:7-alpine"

// Redis is a disposable Redis container.
type Redis struct {
	Container testcontainers.Container
	URL       string
}

// Options returns go-redis options for the container.
func (r *Redis) Options(t *testing.T) *redis.Options {
	t.Helper()
	opts, err := redis.ParseURL(r.URL)
	if err != nil {
		t.Fatalf("Failed to parse Redis URL: %v", err)
	}
	return opts
}

// StartRedis starts a Redis container that is terminated when the test ends.
func StartRedis(t *testing.T) *Redis {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        RedisImage,
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := redisC.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	return &Redis{Container: redisC, URL: fmt.Sprintf("redis://%s:%s", host, port.Port())}
}
