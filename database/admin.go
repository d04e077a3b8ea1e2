package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CreateServicePrincipalRole creates the LOGIN role a deployed app's
// service principal authenticates as, and grants it what the app needs.
// Safe to re-run: an existing role only gets its grants refreshed.
func CreateServicePrincipalRole(ctx context.Context, pool *pgxpool.Pool, roleName, dbName string) error {
	var exists bool
	err := pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)", roleName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check role: %w", err)
	}

	role := pgx.Identifier{roleName}.Sanitize()
	db := pgx.Identifier{dbName}.Sanitize()

	if !exists {
		if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE ROLE %s LOGIN", role)); err != nil {
			return fmt.Errorf("create role: %w", err)
		}
	}

	grants := []string{
		fmt.Sprintf("GRANT CONNECT ON DATABASE %s TO %s", db, role),
		fmt.Sprintf("GRANT USAGE ON SCHEMA public TO %s", role),
		fmt.Sprintf("GRANT SELECT, INSERT, UPDATE, DELETE ON ALL TABLES IN SCHEMA public TO %s", role),
		fmt.Sprintf("GRANT USAGE ON ALL SEQUENCES IN SCHEMA public TO %s", role),
		fmt.Sprintf("ALTER DEFAULT PRIVILEGES IN SCHEMA public GRANT SELECT, INSERT, UPDATE, DELETE ON TABLES TO %s", role),
	}
	for _, stmt := range grants {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("grant privileges: %w", err)
		}
	}
	return nil
}

// CreateStaticUser creates a password-authenticated user, the fallback for
// instances without token auth.
func CreateStaticUser(ctx context.Context, pool *pgxpool.Pool, username, password, dbName string) error {
	var exists bool
	err := pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)", username).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if exists {
		return fmt.Errorf("user %q already exists", username)
	}

	user := pgx.Identifier{username}.Sanitize()
	// Password cannot be a bind parameter in CREATE USER; escape quotes.
	escaped := ""
	for _, r := range password {
		if r == '\'' {
			escaped += "''"
		} else {
			escaped += string(r)
		}
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE USER %s WITH PASSWORD '%s'", user, escaped)); err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	return CreateServicePrincipalRole(ctx, pool, username, dbName)
}

// Probe checks connectivity and reports server version, effective user,
// and table counts. Used by the check-db command.
type ProbeResult struct {
	ServerVersion string
	CurrentUser   string
	Conversations int64
	Messages      int64
}

func Probe(ctx context.Context, pool *pgxpool.Pool) (ProbeResult, error) {
	var result ProbeResult
	if err := pool.QueryRow(ctx, "SELECT version()").Scan(&result.ServerVersion); err != nil {
		return ProbeResult{}, fmt.Errorf("query server version: %w", err)
	}
	if err := pool.QueryRow(ctx, "SELECT current_user").Scan(&result.CurrentUser); err != nil {
		return ProbeResult{}, fmt.Errorf("query current user: %w", err)
	}

	// Tables may not exist before init-db; report zero counts in that case.
	store := NewStore(pool)
	conversations, messages, err := store.Counts(ctx)
	if err == nil {
		result.Conversations = conversations
		result.Messages = messages
	}
	return result, nil
}
