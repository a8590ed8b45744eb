// Package testinfra starts the Redis and Postgres backends used by the
// integration tests. An address in REDIS_ADDR or PG_DSN wins; otherwise a
// throwaway container is started, and the test is skipped when Docker is not
// reachable or -short is set.
package testinfra

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	RedisImage    = "redis:7-alpine"
	PostgresImage = "postgres:16-alpine"

	redisPort    = "6379/tcp"
	postgresPort = "5432/tcp"
	startTimeout = 90 * time.Second
)

// SkipIfNoDocker skips the test if the Docker daemon is not reachable.
func SkipIfNoDocker(t *testing.T) {
	t.Helper()
	if !IsDockerAvailable() {
		t.Skip("docker not available, skipping integration test")
	}
}

func IsDockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "docker", "info").Run() == nil
}

// RedisAddr returns host:port of a Redis server that lives for the test.
func RedisAddr(t *testing.T) string {
	t.Helper()
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	c := start(t, testcontainers.ContainerRequest{
		Image:        RedisImage,
		ExposedPorts: []string{redisPort},
		WaitingFor:   wait.ForListeningPort(redisPort).WithStartupTimeout(startTimeout),
	})
	port, err := c.MappedPort(context.Background(), redisPort)
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	return hostPort(t, c, port.Port())
}

// PostgresDSN returns a lib/pq connection string for a database that lives
// for the test.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		return dsn
	}
	c := start(t, testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{postgresPort},
		Env: map[string]string{
			"POSTGRES_USER":     "help",
			"POSTGRES_PASSWORD": "help",
			"POSTGRES_DB":       "help",
		},
		// The server logs readiness twice: once for the init run, once for real.
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort(postgresPort),
		).WithStartupTimeout(startTimeout),
	})
	port, err := c.MappedPort(context.Background(), postgresPort)
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	return fmt.Sprintf("postgres://help:help@%s/help?sslmode=disable", hostPort(t, c, port.Port()))
}

func start(t *testing.T, req testcontainers.ContainerRequest) testcontainers.Container {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	SkipIfNoDocker(t)

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout+30*time.Second)
	defer cancel()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start %s: %v", req.Image, err)
	}
	t.Cleanup(func() {
		if err := c.Terminate(context.Background()); err != nil {
			t.Logf("terminate %s: %v", req.Image, err)
		}
	})
	return c
}

func hostPort(t *testing.T, c testcontainers.Container, port string) string {
	t.Helper()
	host, err := c.Host(context.Background())
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	return net.JoinHostPort(host, port)
}
