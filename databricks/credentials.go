package databricks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	sdk "github.com/databricks/databricks-sdk-go"
	"github.com/databricks/databricks-sdk-go/service/database"
	"github.com/google/uuid"
)

// ErrNoPrincipal indicates the app's service principal UUID could not be
// determined. OAuth tokens for database access are issued to the app's
// service principal, not the end user, so the Postgres role name must be
// that principal's UUID.
var ErrNoPrincipal = errors.New(
	"could not determine service principal UUID for database connection; " +
		"set DATABRICKS_SERVICE_PRINCIPAL_ID or database.service_principal_id in config.yaml",
)

// Credential is one short-lived database login.
type Credential struct {
	Host     string
	User     string
	Password string
}

// CredentialSource hands out fresh database logins. The pgx pool calls it
// on every new connection because tokens expire within the pool's lifetime.
type CredentialSource interface {
	Credential(ctx context.Context) (Credential, error)
}

// InstanceCredentials generates per-connection credentials through the
// workspace database API.
type InstanceCredentials struct {
	client       *sdk.WorkspaceClient
	instanceName string
	principalID  string
	logger       *log.Logger

	// mu guards dns and user; the pool's before-connect hook can call
	// Credential from concurrent connection attempts.
	mu   sync.Mutex
	dns  string
	user string
}

// NewInstanceCredentials builds a credential source for the named instance.
// principalID may be empty; resolution falls back to the environment and
// the SDK client id.
func NewInstanceCredentials(client *sdk.WorkspaceClient, instanceName, principalID string, logger *log.Logger) *InstanceCredentials {
	if logger == nil {
		logger = log.Default()
	}
	return &InstanceCredentials{
		client:       client,
		instanceName: instanceName,
		principalID:  principalID,
		logger:       logger,
	}
}

// Credential fetches the instance DNS once, resolves the database user
// once, and generates a fresh token on every call.
func (c *InstanceCredentials) Credential(ctx context.Context) (Credential, error) {
	if c.instanceName == "" {
		return Credential{}, fmt.Errorf("database instance name not configured")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dns == "" {
		instance, err := c.client.Database.GetDatabaseInstance(ctx, database.GetDatabaseInstanceRequest{
			Name: c.instanceName,
		})
		if err != nil {
			return Credential{}, fmt.Errorf("get database instance %s: %w", c.instanceName, err)
		}
		c.dns = instance.ReadWriteDns
	}

	if c.user == "" {
		user, err := ResolveDatabaseUser(c.principalID, c.client.Config.ClientID, os.Getenv)
		if err != nil {
			return Credential{}, err
		}
		c.user = user
	}

	cred, err := c.client.Database.GenerateDatabaseCredential(ctx, database.GenerateDatabaseCredentialRequest{
		RequestId:     uuid.NewString(),
		InstanceNames: []string{c.instanceName},
	})
	if err != nil {
		return Credential{}, fmt.Errorf("generate database credential: %w", err)
	}

	c.logger.Printf("generated database credential for instance %s (user %s)", c.instanceName, c.user)

	return Credential{
		Host:     c.dns,
		User:     c.user,
		Password: cred.Token,
	}, nil
}

// ResolveDatabaseUser picks the Postgres role name for token auth. Order
// matches the deployment troubleshooting path: explicit env vars first,
// then the SDK's OAuth client id, then the configured principal id.
func ResolveDatabaseUser(configuredID, clientID string, getenv func(string) string) (string, error) {
	if id := getenv("DATABRICKS_SERVICE_PRINCIPAL_ID"); id != "" {
		return id, nil
	}
	if id := getenv("DATABRICKS_CLIENT_ID"); id != "" {
		return id, nil
	}
	if clientID != "" {
		return clientID, nil
	}
	if configuredID != "" {
		return configuredID, nil
	}
	return "", ErrNoPrincipal
}

// StaticCredentials is the documented workaround for instances without
// OAuth token auth: a fixed user and password.
type StaticCredentials struct {
	Host string
	User string
	Pass string
}

func (s StaticCredentials) Credential(ctx context.Context) (Credential, error) {
	if s.User == "" || s.Pass == "" {
		return Credential{}, fmt.Errorf("static database credentials not configured")
	}
	return Credential{Host: s.Host, User: s.User, Password: s.Pass}, nil
}

var (
	_ CredentialSource = (*InstanceCredentials)(nil)
	_ CredentialSource = StaticCredentials{}
)
