//go:build integration

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startContainer(t *testing.T, req testcontainers.ContainerRequest) (string, func()) {
	t.Helper()
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start %s container: %v", req.Image, err)
	}

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get %s endpoint: %v", req.Image, err)
	}
	return endpoint, func() { c.Terminate(ctx) }
}

func TestRedisStore_Integration(t *testing.T) {
	endpoint, cleanup := startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	})
	defer cleanup()

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	defer client.Close()

	testStoreContract(t, NewRedisStore(client, 3))
}

func TestPostgresStore_Integration(t *testing.T) {
	endpoint, cleanup := startContainer(t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "healthd",
			"POSTGRES_PASSWORD": "healthd",
			"POSTGRES_DB":       "healthd",
		},
		// postgres restarts once after initdb.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	})
	defer cleanup()

	dsn := fmt.Sprintf("postgres://healthd:healthd@%s/healthd?sslmode=disable", endpoint)
	s, err := Open(context.Background(), Config{Backend: BackendPostgres, DSN: dsn, Retention: 3})
	if err != nil {
		t.Fatalf("Open(postgres) error = %v", err)
	}
	defer s.Close()

	testStoreContract(t, s)
}
