// Package dbtest opens a migrated Postgres database for integration tests.
// Tests are skipped unless TEST_DATABASE_URL points at a server the tests may
// create schemas in.
package dbtest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"escrowledger/internal/common/database"
	"escrowledger/migrations"
)

// EnvURL names the variable holding the test server's connection string.
const EnvURL = "TEST_DATABASE_URL"

// New returns a database whose search_path is a fresh schema with every
// migration applied. The schema is dropped when the test ends, so packages
// running in parallel never see each other's rows.
func New(t *testing.T) *database.DB {
	t.Helper()
	dsn := os.Getenv(EnvURL)
	if dsn == "" {
		t.Skip("set " + EnvURL + " to run postgres integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	admin, err := database.New(ctx, config(dsn), logger)
	if err != nil {
		t.Fatalf("connecting to postgres: %v", err)
	}
	schema := "test_" + strings.ToLower(ulid.Make().String())
	if _, err := admin.Conn(ctx).Exec(ctx, `CREATE SCHEMA `+schema); err != nil {
		admin.Close()
		t.Fatalf("creating schema: %v", err)
	}
	t.Cleanup(func() {
		defer admin.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := admin.Conn(ctx).Exec(ctx, `DROP SCHEMA `+schema+` CASCADE`); err != nil {
			t.Logf("dropping schema %s: %v", schema, err)
		}
	})

	scoped, err := withSearchPath(dsn, schema)
	if err != nil {
		t.Fatalf("scoping connection string: %v", err)
	}
	db, err := database.New(ctx, config(scoped), logger)
	if err != nil {
		t.Fatalf("connecting to schema %s: %v", schema, err)
	}
	t.Cleanup(db.Close)

	if err := db.Migrate(migrations.FS); err != nil {
		t.Fatalf("migrating schema %s: %v", schema, err)
	}
	return db
}

// SeedAccount inserts an active customer account with the given phone and
// returns its id. Tables that reference accounts need one to exist.
func SeedAccount(t *testing.T, db *database.DB, phone string) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := db.Conn(ctx).Exec(ctx, `
		INSERT INTO accounts (id, phone, password_hash, status, role, created_at, updated_at)
		VALUES ($1, $2, 'x', 'active', 'customer', $3, $3)
	`, id, phone, now)
	if err != nil {
		t.Fatalf("seeding account %s: %v", phone, err)
	}
	return id
}

func config(dsn string) database.Config {
	return database.Config{
		URL:             dsn,
		MaxConns:        10,
		MinConns:        1,
		MaxConnLifetime: time.Minute,
		MaxConnIdleTime: time.Minute,
	}
}

// withSearchPath adds a search_path runtime parameter to a URL or keyword
// style connection string.
func withSearchPath(dsn, schema string) (string, error) {
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return fmt.Sprintf("%s search_path=%s", dsn, schema), nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
