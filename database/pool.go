// Package database provides the Postgres connection pool and the
// conversations/messages store.
//
// Lakebase instances authenticate with short-lived tokens, so the pool
// refreshes credentials on every new connection and caps connection
// lifetime below the token TTL.
package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/osclabs/market-intelligence/config"
	"github.com/osclabs/market-intelligence/databricks"
)

// tokenSafeLifetime keeps pooled connections younger than the credential
// TTL so a recycled connection never presents an expired token.
const tokenSafeLifetime = 30 * time.Minute

// NewPool creates a pgx pool whose connections authenticate with fresh
// credentials from source. A nil source falls back to the static user and
// password in cfg.
func NewPool(ctx context.Context, cfg config.DatabaseConfig, source databricks.CredentialSource) (*pgxpool.Pool, error) {
	if source == nil {
		source = databricks.StaticCredentials{Host: cfg.Host, User: cfg.User, Pass: cfg.Password}
	}

	seed, err := source.Credential(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtain initial database credential: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(BuildDSN(seed, cfg))
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	poolCfg.MaxConnLifetime = tokenSafeLifetime
	poolCfg.BeforeConnect = func(ctx context.Context, cc *pgx.ConnConfig) error {
		cred, err := source.Credential(ctx)
		if err != nil {
			return fmt.Errorf("refresh database credential: %w", err)
		}
		cc.Host = cred.Host
		cc.User = cred.User
		cc.Password = cred.Password
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return pool, nil
}

// BuildDSN renders a key=value DSN for the given credential and database
// settings. Values are single-quoted so generated tokens with special
// characters survive parsing.
func BuildDSN(cred databricks.Credential, cfg config.DatabaseConfig) string {
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	sslmode := cfg.SSLMode
	if sslmode == "" {
		sslmode = "require"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		quoteDSNValue(cred.Host),
		port,
		quoteDSNValue(cred.User),
		quoteDSNValue(cred.Password),
		quoteDSNValue(cfg.Name),
		sslmode,
	)
}

// quoteDSNValue quotes a value for the key=value DSN format; backslashes
// and single quotes are escaped inside the quotes.
func quoteDSNValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}
