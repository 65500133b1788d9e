//go:build integration

package flowkeep

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mysql"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// postgresURL starts a PostgreSQL container for the test and returns its
// database URL.
func postgresURL(ctx context.Context, t *testing.T) string {
	t.Helper()
	c, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("flowkeep_test"),
		postgres.WithUsername("flowkeep"),
		postgres.WithPassword("flowkeep"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute)),
	)
	testcontainers.CleanupContainer(t, c)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	url, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	return url
}

// mysqlURL starts a MySQL container for the test and returns a mysql://
// URL, the form WithDatabase routes to the MySQL back end.
func mysqlURL(ctx context.Context, t *testing.T) string {
	t.Helper()
	c, err := mysql.Run(ctx, "mysql:8.0",
		mysql.WithDatabase("flowkeep_test"),
		mysql.WithUsername("flowkeep"),
		mysql.WithPassword("flowkeep"),
	)
	testcontainers.CleanupContainer(t, c)
	if err != nil {
		t.Fatalf("failed to start mysql container: %v", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get mysql host: %v", err)
	}
	port, err := c.MappedPort(ctx, "3306/tcp")
	if err != nil {
		t.Fatalf("failed to get mysql port: %v", err)
	}
	return fmt.Sprintf("mysql://flowkeep:flowkeep@%s:%s/flowkeep_test", host, port.Port())
}

// createIntegrationEngine starts an Engine on url. Migrations run through
// Start.
func createIntegrationEngine(t *testing.T, url string, opts ...Option) *Engine {
	t.Helper()
	engine := NewEngine(append([]Option{WithDatabase(url)}, opts...)...)
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("failed to start engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })
	return engine
}
