package database

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/osclabs/market-intelligence/config"
	"github.com/osclabs/market-intelligence/databricks"
)

func TestBuildDSN(t *testing.T) {
	cred := databricks.Credential{
		Host:     "instance.database.cloud.databricks.com",
		User:     "9f4a2b1c-0000-0000-0000-000000000000",
		Password: "token-value",
	}
	cfg := config.DatabaseConfig{Name: "market_intelligence", Port: 5432, SSLMode: "require"}

	dsn := BuildDSN(cred, cfg)

	for _, want := range []string{
		"host='instance.database.cloud.databricks.com'",
		"user='9f4a2b1c-0000-0000-0000-000000000000'",
		"password='token-value'",
		"dbname='market_intelligence'",
		"port=5432",
		"sslmode=require",
	} {
		if !strings.Contains(dsn, want) {
			t.Errorf("dsn missing %q: %s", want, dsn)
		}
	}
}

func TestBuildDSNDefaults(t *testing.T) {
	dsn := BuildDSN(databricks.Credential{Host: "h", User: "u", Password: "p"}, config.DatabaseConfig{Name: "db"})
	if !strings.Contains(dsn, "port=5432") || !strings.Contains(dsn, "sslmode=require") {
		t.Fatalf("defaults not applied: %s", dsn)
	}
}

func TestBuildDSNEscapesSpecialCharacters(t *testing.T) {
	cred := databricks.Credential{Host: "h", User: "u", Password: `pa'ss\word`}
	dsn := BuildDSN(cred, config.DatabaseConfig{Name: "db"})
	if !strings.Contains(dsn, `password='pa\'ss\\word'`) {
		t.Fatalf("password not escaped: %s", dsn)
	}
}

// TestStoreRoundTrip exercises the store against a real database. Set
// TEST_DATABASE_DSN to run it.
func TestStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("set TEST_DATABASE_DSN to run database integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := Migrate(dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	cred, cfg := parseTestDSN(dsn)
	pool, err := NewPool(ctx, cfg, staticSource{cred})
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	defer pool.Close()

	store := NewStore(pool)

	conversationID, err := store.CreateConversation(ctx, "integration@test", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	messageID, err := store.AddMessage(ctx, AddMessageParams{
		ConversationID: conversationID,
		UserID:         "integration@test",
		Question:       "integration question",
	})
	if err != nil {
		t.Fatalf("add message: %v", err)
	}

	answer, status, traceID := "integration answer", StatusComplete, "tr-int"
	if err := store.UpdateMessage(ctx, messageID, &answer, &status, &traceID); err != nil {
		t.Fatalf("update message: %v", err)
	}

	messages, err := store.ConversationMessages(ctx, conversationID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Answer != "integration answer" || messages[0].Status != StatusComplete {
		t.Fatalf("unexpected messages: %+v", messages)
	}

	conversations, err := store.RecentConversations(ctx, "integration@test", 5)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(conversations) == 0 || conversations[0].MessageCount == 0 {
		t.Fatalf("unexpected conversations: %+v", conversations)
	}
}

// parseTestDSN splits a key=value test DSN into the credential and config
// halves so the pool code under test is the same one production uses.
func parseTestDSN(dsn string) (databricks.Credential, config.DatabaseConfig) {
	values := map[string]string{}
	for _, field := range strings.Fields(dsn) {
		if key, value, ok := strings.Cut(field, "="); ok {
			values[key] = strings.Trim(value, "'")
		}
	}

	port := 5432
	if p, err := strconv.Atoi(values["port"]); err == nil {
		port = p
	}
	sslmode := values["sslmode"]
	if sslmode == "" {
		sslmode = "disable"
	}

	cred := databricks.Credential{
		Host:     values["host"],
		User:     values["user"],
		Password: values["password"],
	}
	cfg := config.DatabaseConfig{Name: values["dbname"], Port: port, SSLMode: sslmode}
	return cred, cfg
}

type staticSource struct {
	cred databricks.Credential
}

func (s staticSource) Credential(ctx context.Context) (databricks.Credential, error) {
	return s.cred, nil
}

var _ databricks.CredentialSource = staticSource{}
