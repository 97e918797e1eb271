package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bissquit/outreach-engine/internal/pkg/postgres"
	"github.com/bissquit/outreach-engine/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresContainer wraps a postgres testcontainer.
type PostgresContainer struct {
	*tcpostgres.PostgresContainer
	ConnectionString string
}

// MailpitContainer wraps a Mailpit testcontainer that captures SMTP traffic.
type MailpitContainer struct {
	testcontainers.Container
	SMTPHost string
	SMTPPort int
	APIHost  string
	APIPort  int
}

// NewPostgresContainer creates a new PostgreSQL container for testing.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("outreach"),
		tcpostgres.WithUsername("outreach"),
		tcpostgres.WithPassword("outreach"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("get connection string: %w", err)
	}

	return &PostgresContainer{
		PostgresContainer: container,
		ConnectionString:  connStr,
	}, nil
}

// StartPostgres starts a PostgreSQL container, applies every migration and
// returns a pool connected to it. Call stop to close the pool and terminate
// the container. Use this in TestMain where *testing.T is not available.
func StartPostgres(ctx context.Context) (pool *pgxpool.Pool, stop func(), err error) {
	container, err := NewPostgresContainer(ctx)
	if err != nil {
		return nil, nil, err
	}
	terminate := func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			fmt.Printf("terminate postgres container: %v\n", err)
		}
	}

	if err := postgres.Migrate(migrations.FS, container.ConnectionString); err != nil {
		terminate()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	pool, err = postgres.Connect(ctx, postgres.Config{
		URL:             container.ConnectionString,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
		ConnectAttempts: 3,
	})
	if err != nil {
		terminate()
		return nil, nil, fmt.Errorf("connect: %w", err)
	}

	return pool, func() {
		pool.Close()
		terminate()
	}, nil
}

// Truncate empties the given tables between tests.
func Truncate(t *testing.T, pool *pgxpool.Pool, tables ...string) {
	t.Helper()
	for _, table := range tables {
		if _, err := pool.Exec(context.Background(), "TRUNCATE "+table+" CASCADE"); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
}

// NewMailpitContainer creates a new Mailpit container for testing.
func NewMailpitContainer(ctx context.Context) (*MailpitContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "ghcr.io/axllent/mailpit:latest",
		ExposedPorts: []string{"1025/tcp", "8025/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("1025/tcp"),
			wait.ForHTTP("/api/v1/info").WithPort("8025/tcp"),
		).WithDeadline(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("start mailpit container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("get mailpit host: %w", err)
	}

	smtpPort, err := container.MappedPort(ctx, "1025/tcp")
	if err != nil {
		return nil, fmt.Errorf("get smtp port: %w", err)
	}

	apiPort, err := container.MappedPort(ctx, "8025/tcp")
	if err != nil {
		return nil, fmt.Errorf("get api port: %w", err)
	}

	return &MailpitContainer{
		Container: container,
		SMTPHost:  host,
		SMTPPort:  smtpPort.Int(),
		APIHost:   host,
		APIPort:   apiPort.Int(),
	}, nil
}
