//go:build integration

package memory

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/nugget/parley/internal/database"
)

func TestSQLStorePostgres(t *testing.T) {
	ctx := context.Background()
	c, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("parley"),
		postgres.WithUsername("parley"),
		postgres.WithPassword("parley"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, c)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	exerciseDSN(t, "postgres", dsn)
}

func TestSQLStoreMySQL(t *testing.T) {
	ctx := context.Background()
	c, err := tcmysql.Run(ctx, "mysql:8.0",
		tcmysql.WithDatabase("parley"),
		tcmysql.WithUsername("parley"),
		tcmysql.WithPassword("parley"),
	)
	testcontainers.CleanupContainer(t, c)
	if err != nil {
		t.Fatalf("start mysql: %v", err)
	}
	dsn, err := c.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	exerciseDSN(t, "mysql", dsn)
}

func exerciseDSN(t *testing.T, driver, dsn string) {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, driver, dsn)
	if err != nil {
		t.Fatalf("open %s: %v", driver, err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewSQLStore(ctx, db, nil)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	exerciseStore(t, s)
}
