package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	sdk "github.com/databricks/databricks-sdk-go"
	dbsvc "github.com/databricks/databricks-sdk-go/service/database"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/osclabs/market-intelligence/chat"
	"github.com/osclabs/market-intelligence/config"
	"github.com/osclabs/market-intelligence/database"
	"github.com/osclabs/market-intelligence/databricks"
	"github.com/osclabs/market-intelligence/inference"
	"github.com/osclabs/market-intelligence/telemetry"
	"github.com/osclabs/market-intelligence/web"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	switch os.Args[1] {
	case "serve":
		serveCmd(cfg, logger, os.Args[2:])
	case "ask":
		askCmd(cfg, logger, os.Args[2:])
	case "init-db":
		initDBCmd(cfg, logger, os.Args[2:])
	case "clear":
		clearCmd(cfg, logger, os.Args[2:])
	case "create-role":
		createRoleCmd(cfg, logger, os.Args[2:])
	case "create-user":
		createUserCmd(cfg, logger, os.Args[2:])
	case "instances":
		instancesCmd(cfg, logger, os.Args[2:])
	case "check-db":
		checkDBCmd(cfg, logger, os.Args[2:])
	default:
		logger.Printf("unknown command: %s", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func serveCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := flags.String("addr", cfg.App.Addr, "listen address")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse serve flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	workspace, err := databricks.NewWorkspaceClient(cfg.Databricks.Host)
	if err != nil {
		logger.Fatalf("workspace client: %v", err)
	}
	auth := databricks.NewAuthenticator(workspace)

	defaultUser, err := databricks.GetUserInfo(ctx, workspace)
	if err != nil {
		logger.Printf("resolve workspace user: %v (requests without identity headers show as unknown)", err)
		defaultUser = databricks.UserInfo{UserID: "unknown", DisplayName: "Analyst"}
	}

	var store chat.Store
	if cfg.PersistenceEnabled() {
		pool, err := database.NewPool(ctx, cfg.Database, credentialSource(cfg, workspace, logger))
		if err != nil {
			logger.Fatalf("postgres connection: %v", err)
		}
		defer pool.Close()

		if err := migrateWith(ctx, cfg, workspace, logger); err != nil {
			logger.Fatalf("run migrations: %v", err)
		}
		store = database.NewStore(pool)
	} else {
		logger.Println("no database configured; running chat-only (history disabled)")
	}

	client, err := inference.NewClient(cfg, auth, os.Getenv("DATABRICKS_TOKEN"))
	if err != nil {
		logger.Fatalf("inference client: %v", err)
	}

	var recorder web.FeedbackRecorder
	if cfg.Databricks.ExperimentName != "" {
		recorder = telemetry.NewRecorder(cfg.Databricks.Host, cfg.Databricks.ExperimentName, auth, logger)
	} else {
		logger.Println("no MLflow experiment configured; feedback will not be recorded")
	}

	server := web.New(web.Options{
		Config:      cfg,
		Logger:      logger,
		Service:     chat.NewService(store, client, logger),
		Feedback:    recorder,
		DefaultUser: defaultUser,
	})

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("%s listening on %s", cfg.App.Title, *addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("serve: %v", err)
		}
	case <-ctx.Done():
		logger.Println("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	}
}

func askCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("ask", flag.ExitOnError)
	question := flags.String("question", "", "question to ask the endpoint")
	conversationID := flags.Int64("conversation", 0, "conversation id to continue (0 starts a new one)")
	stream := flags.Bool("stream", false, "stream the answer as it arrives")
	noHistory := flags.Bool("no-history", false, "skip conversation persistence")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse ask flags: %v", err)
	}

	if strings.TrimSpace(*question) == "" {
		fmt.Print("Enter your question: ")
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			*question = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			logger.Fatalf("read question: %v", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	workspace, err := databricks.NewWorkspaceClient(cfg.Databricks.Host)
	if err != nil {
		logger.Fatalf("workspace client: %v", err)
	}
	auth := databricks.NewAuthenticator(workspace)

	user, err := databricks.GetUserInfo(ctx, workspace)
	if err != nil {
		logger.Fatalf("resolve workspace user: %v", err)
	}

	var store chat.Store
	if cfg.PersistenceEnabled() && !*noHistory {
		pool, err := database.NewPool(ctx, cfg.Database, credentialSource(cfg, workspace, logger))
		if err != nil {
			logger.Fatalf("postgres connection: %v", err)
		}
		defer pool.Close()
		store = database.NewStore(pool)
	}

	client, err := inference.NewClient(cfg, auth, os.Getenv("DATABRICKS_TOKEN"))
	if err != nil {
		logger.Fatalf("inference client: %v", err)
	}

	svc := chat.NewService(store, client, logger)

	var resp chat.Response
	if *stream {
		resp, err = svc.AskStream(ctx, user.UserID, *conversationID, *question, func(chunk string) error {
			fmt.Print(chunk)
			return nil
		})
		fmt.Println()
	} else {
		resp, err = svc.Ask(ctx, user.UserID, *conversationID, *question)
		if err == nil {
			fmt.Println(resp.Answer)
		}
	}
	if err != nil {
		logger.Fatalf("ask failed: %v", err)
	}
	if resp.Persisted {
		logger.Printf("saved to conversation %d (message %d)", resp.ConversationID, resp.MessageID)
	}
	if resp.TraceID != "" {
		logger.Printf("trace id: %s", resp.TraceID)
	}
}

func initDBCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("init-db", flag.ExitOnError)
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse init-db flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	workspace, err := databricks.NewWorkspaceClient(cfg.Databricks.Host)
	if err != nil {
		logger.Fatalf("workspace client: %v", err)
	}

	if err := migrateWith(ctx, cfg, workspace, logger); err != nil {
		logger.Fatalf("run migrations: %v", err)
	}
	logger.Println("database schema is up to date")
}

func clearCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("clear", flag.ExitOnError)
	confirmed := flags.Bool("confirm", false, "skip confirmation prompt")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse clear flags: %v", err)
	}

	if !*confirmed {
		fmt.Print("This will permanently delete all conversations and messages. Continue? [y/N]: ")
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				logger.Fatalf("read confirmation: %v", err)
			}
			logger.Println("clear aborted")
			return
		}
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if answer != "y" && answer != "yes" {
			logger.Println("clear aborted")
			return
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool := mustPool(ctx, cfg, logger)
	defer pool.Close()

	store := database.NewStore(pool)
	conversations, messages, err := store.Counts(ctx)
	if err != nil {
		logger.Fatalf("count rows: %v", err)
	}

	if err := store.ClearAll(ctx); err != nil {
		logger.Fatalf("clear conversations: %v", err)
	}
	logger.Printf("deleted %d conversations and %d messages", conversations, messages)
}

func createRoleCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("create-role", flag.ExitOnError)
	roleName := flags.String("role", "", "role name (defaults to the resolved service principal UUID)")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse create-role flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *roleName == "" {
		resolved, err := databricks.ResolveDatabaseUser(cfg.Database.ServicePrincipalID, "", os.Getenv)
		if err != nil {
			logger.Fatalf("resolve role name: %v", err)
		}
		*roleName = resolved
	}

	pool := mustPool(ctx, cfg, logger)
	defer pool.Close()

	if err := database.CreateServicePrincipalRole(ctx, pool, *roleName, cfg.Database.Name); err != nil {
		logger.Fatalf("create role: %v", err)
	}
	logger.Printf("role %s is ready on database %s", *roleName, cfg.Database.Name)
}

func createUserCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("create-user", flag.ExitOnError)
	username := flags.String("user", "", "name for the new static user")
	password := flags.String("password", "", "password for the new static user")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse create-user flags: %v", err)
	}
	if *username == "" || *password == "" {
		logger.Fatal("create-user requires -user and -password")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool := mustPool(ctx, cfg, logger)
	defer pool.Close()

	if err := database.CreateStaticUser(ctx, pool, *username, *password, cfg.Database.Name); err != nil {
		logger.Fatalf("create user: %v", err)
	}
	logger.Printf("static user %s created with access to %s", *username, cfg.Database.Name)
}

func instancesCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("instances", flag.ExitOnError)
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse instances flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	workspace, err := databricks.NewWorkspaceClient(cfg.Databricks.Host)
	if err != nil {
		logger.Fatalf("workspace client: %v", err)
	}

	instances, err := workspace.Database.ListDatabaseInstancesAll(ctx, dbsvc.ListDatabaseInstancesRequest{})
	if err != nil {
		logger.Fatalf("list database instances: %v", err)
	}
	if len(instances) == 0 {
		fmt.Println("No database instances found in this workspace.")
		return
	}

	for _, instance := range instances {
		fmt.Printf("%s\n", instance.Name)
		fmt.Printf("  state: %s\n", instance.State)
		if instance.ReadWriteDns != "" {
			fmt.Printf("  host:  %s\n", instance.ReadWriteDns)
		}
	}
}

func checkDBCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("check-db", flag.ExitOnError)
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse check-db flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool := mustPool(ctx, cfg, logger)
	defer pool.Close()

	result, err := database.Probe(ctx, pool)
	if err != nil {
		logger.Fatalf("probe database: %v", err)
	}

	fmt.Printf("server:        %s\n", result.ServerVersion)
	fmt.Printf("connected as:  %s\n", result.CurrentUser)
	fmt.Printf("conversations: %d\n", result.Conversations)
	fmt.Printf("messages:      %d\n", result.Messages)
}

// credentialSource picks generated instance credentials when an instance
// name is configured, otherwise nil so the pool falls back to the static
// user and password.
func credentialSource(cfg config.Config, workspace *sdk.WorkspaceClient, logger *log.Logger) databricks.CredentialSource {
	if cfg.Database.InstanceName == "" {
		return nil
	}
	return databricks.NewInstanceCredentials(workspace, cfg.Database.InstanceName, cfg.Database.ServicePrincipalID, logger)
}

func migrateWith(ctx context.Context, cfg config.Config, workspace *sdk.WorkspaceClient, logger *log.Logger) error {
	source := credentialSource(cfg, workspace, logger)
	if source == nil {
		source = databricks.StaticCredentials{
			Host: cfg.Database.Host,
			User: cfg.Database.User,
			Pass: cfg.Database.Password,
		}
	}
	cred, err := source.Credential(ctx)
	if err != nil {
		return fmt.Errorf("obtain migration credential: %w", err)
	}
	return database.Migrate(database.BuildDSN(cred, cfg.Database))
}

func mustPool(ctx context.Context, cfg config.Config, logger *log.Logger) *pgxpool.Pool {
	if !cfg.PersistenceEnabled() {
		logger.Fatal("no database configured; set database.instance_name or DB_USER/DB_PASSWORD")
	}

	workspace, err := databricks.NewWorkspaceClient(cfg.Databricks.Host)
	if err != nil {
		logger.Fatalf("workspace client: %v", err)
	}

	pool, err := database.NewPool(ctx, cfg.Database, credentialSource(cfg, workspace, logger))
	if err != nil {
		logger.Fatalf("postgres connection: %v", err)
	}
	return pool
}

func printUsage() {
	fmt.Println("Usage: market-intelligence <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  serve        Run the web application")
	fmt.Println("  ask          Ask one question from the terminal")
	fmt.Println("  init-db      Create or migrate the conversation schema")
	fmt.Println("  clear        Delete all stored conversations")
	fmt.Println("  create-role  Create the service principal's Postgres role")
	fmt.Println("  create-user  Create a static password-authenticated user")
	fmt.Println("  instances    List the workspace's database instances")
	fmt.Println("  check-db     Verify connectivity and report table counts")
}
