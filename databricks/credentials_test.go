package databricks

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	sdk "github.com/databricks/databricks-sdk-go"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string {
		return values[key]
	}
}

func TestResolveDatabaseUserPrefersPrincipalEnv(t *testing.T) {
	user, err := ResolveDatabaseUser("configured-id", "client-id", envMap(map[string]string{
		"DATABRICKS_SERVICE_PRINCIPAL_ID": "env-principal",
		"DATABRICKS_CLIENT_ID":            "env-client",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user != "env-principal" {
		t.Fatalf("got %q, want env-principal", user)
	}
}

func TestResolveDatabaseUserFallsBackToClientEnv(t *testing.T) {
	user, err := ResolveDatabaseUser("configured-id", "client-id", envMap(map[string]string{
		"DATABRICKS_CLIENT_ID": "env-client",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user != "env-client" {
		t.Fatalf("got %q, want env-client", user)
	}
}

func TestResolveDatabaseUserFallsBackToSDKClientID(t *testing.T) {
	user, err := ResolveDatabaseUser("configured-id", "sdk-client", envMap(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user != "sdk-client" {
		t.Fatalf("got %q, want sdk-client", user)
	}
}

func TestResolveDatabaseUserFallsBackToConfig(t *testing.T) {
	user, err := ResolveDatabaseUser("configured-id", "", envMap(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user != "configured-id" {
		t.Fatalf("got %q, want configured-id", user)
	}
}

func TestResolveDatabaseUserErrsWhenUnresolvable(t *testing.T) {
	if _, err := ResolveDatabaseUser("", "", envMap(nil)); !errors.Is(err, ErrNoPrincipal) {
		t.Fatalf("expected ErrNoPrincipal, got %v", err)
	}
}

func TestInstanceCredentialsConcurrentCalls(t *testing.T) {
	t.Setenv("DATABRICKS_SERVICE_PRINCIPAL_ID", "test-principal")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/database/instances/"):
			w.Write([]byte(`{"name":"test-instance","read_write_dns":"instance.db.example.com"}`))
		case strings.Contains(r.URL.Path, "/database/credentials"):
			w.Write([]byte(`{"token":"generated-token"}`))
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	client, err := sdk.NewWorkspaceClient(&sdk.Config{Host: server.URL, Token: "pat"})
	if err != nil {
		t.Fatalf("create workspace client: %v", err)
	}

	source := NewInstanceCredentials(client, "test-instance", "", log.New(io.Discard, "", 0))

	// The pool's before-connect hook can invoke Credential from several
	// connection attempts at once.
	const callers = 4
	creds := make([]Credential, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			creds[i], errs[i] = source.Credential(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if creds[i].Host != "instance.db.example.com" {
			t.Fatalf("caller %d: unexpected host %q", i, creds[i].Host)
		}
		if creds[i].User != "test-principal" {
			t.Fatalf("caller %d: unexpected user %q", i, creds[i].User)
		}
		if creds[i].Password != "generated-token" {
			t.Fatalf("caller %d: unexpected password %q", i, creds[i].Password)
		}
	}
}

func TestStaticCredentials(t *testing.T) {
	cred, err := StaticCredentials{Host: "db.example.com", User: "u", Pass: "p"}.Credential(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.Host != "db.example.com" || cred.User != "u" || cred.Password != "p" {
		t.Fatalf("unexpected credential: %+v", cred)
	}

	if _, err := (StaticCredentials{Host: "db.example.com"}).Credential(context.Background()); err == nil {
		t.Fatal("expected error for missing static user/password")
	}
}
