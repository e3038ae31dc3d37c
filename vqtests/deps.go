package vqtests

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcNats "github.com/testcontainers/testcontainers-go/modules/nats"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcValkey "github.com/testcontainers/testcontainers-go/modules/valkey"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	ValkeyImage    = "docker.io/valkey/valkey:latest"
	PostgresImage  = "postgres:latest"
	NatsImage      = "nats:latest"
	ElasticMQImage = "softwaremill/elasticmq-native:latest"

	DefaultUser     = "vqueue"
	DefaultPassword = "vqu3u3"
	DefaultDatabase = "vqueue_test"

	postgresReadyOccurrences = 2
	startupTimeout           = 60 * time.Second
)

type valkeyResource struct {
	baseResource
}

// NewValkey starts a Valkey server, reachable through a redis:// dsn.
func NewValkey(opts ...ContainerOption) Resource {
	r := &valkeyResource{baseResource{opts: ContainerOpts{
		ImageName:      ValkeyImage,
		NetworkAliases: []string{"valkey"},
	}}}
	r.opts.setup(opts...)
	return r
}

func (r *valkeyResource) Setup(ctx context.Context, ntwk *testcontainers.DockerNetwork) error {
	c, err := tcValkey.Run(ctx, r.opts.ImageName, r.opts.customizers(ctx, ntwk)...)
	if err != nil {
		return fmt.Errorf("failed to start valkey container: %w", err)
	}
	r.container = c
	return nil
}

func (r *valkeyResource) DSN(ctx context.Context) (string, error) {
	c, ok := r.container.(*tcValkey.ValkeyContainer)
	if !ok {
		return "", fmt.Errorf("%s is not running", r.opts.ImageName)
	}
	return c.ConnectionString(ctx)
}

type postgresResource struct {
	baseResource
	database string
}

// NewPostgres starts a PostgreSQL server with a fresh database.
func NewPostgres(opts ...ContainerOption) Resource {
	r := &postgresResource{
		baseResource: baseResource{opts: ContainerOpts{
			ImageName:      PostgresImage,
			UserName:       DefaultUser,
			Password:       DefaultPassword,
			NetworkAliases: []string{"postgres"},
		}},
		database: DefaultDatabase,
	}
	r.opts.setup(opts...)
	return r
}

func (r *postgresResource) Setup(ctx context.Context, ntwk *testcontainers.DockerNetwork) error {
	c, err := tcPostgres.Run(ctx, r.opts.ImageName, r.opts.customizers(ctx, ntwk,
		tcPostgres.WithDatabase(r.database),
		tcPostgres.WithUsername(r.opts.UserName),
		tcPostgres.WithPassword(r.opts.Password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(postgresReadyOccurrences).
				WithStartupTimeout(startupTimeout)),
	)...)
	if err != nil {
		return fmt.Errorf("failed to start postgres container: %w", err)
	}
	r.container = c
	return nil
}

func (r *postgresResource) DSN(ctx context.Context) (string, error) {
	c, ok := r.container.(*tcPostgres.PostgresContainer)
	if !ok {
		return "", fmt.Errorf("%s is not running", r.opts.ImageName)
	}
	return c.ConnectionString(ctx, "sslmode=disable")
}

type natsResource struct {
	baseResource
}

// NewNats starts a NATS server with JetStream enabled.
func NewNats(opts ...ContainerOption) Resource {
	r := &natsResource{baseResource{opts: ContainerOpts{
		ImageName:      NatsImage,
		UserName:       DefaultUser,
		Password:       DefaultPassword,
		NetworkAliases: []string{"nats"},
	}}}
	r.opts.setup(opts...)
	return r
}

func (r *natsResource) Setup(ctx context.Context, ntwk *testcontainers.DockerNetwork) error {
	c, err := tcNats.Run(ctx, r.opts.ImageName, r.opts.customizers(ctx, ntwk,
		testcontainers.WithCmdArgs("--js"),
		tcNats.WithUsername(r.opts.UserName),
		tcNats.WithPassword(r.opts.Password),
		testcontainers.WithWaitStrategy(wait.ForLog("Server is ready")),
	)...)
	if err != nil {
		return fmt.Errorf("failed to start nats container: %w", err)
	}
	r.container = c
	return nil
}

// DSN carries the credentials in the url, the form pubsub drivers expect.
func (r *natsResource) DSN(ctx context.Context) (string, error) {
	c, ok := r.container.(*tcNats.NATSContainer)
	if !ok {
		return "", fmt.Errorf("%s is not running", r.opts.ImageName)
	}
	conn, err := c.ConnectionString(ctx)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(conn)
	if err != nil {
		return "", err
	}
	u.User = url.UserPassword(r.opts.UserName, r.opts.Password)
	return u.String(), nil
}

type elasticMQResource struct {
	baseResource
}

// NewElasticMQ starts ElasticMQ, a server speaking the SQS api. Its dsn is the http endpoint.
func NewElasticMQ(opts ...ContainerOption) Resource {
	r := &elasticMQResource{baseResource{opts: ContainerOpts{
		ImageName:      ElasticMQImage,
		NetworkAliases: []string{"elasticmq"},
	}}}
	r.opts.setup(opts...)
	return r
}

func (r *elasticMQResource) Setup(ctx context.Context, ntwk *testcontainers.DockerNetwork) error {
	c, err := testcontainers.Run(ctx, r.opts.ImageName, r.opts.customizers(ctx, ntwk,
		testcontainers.WithExposedPorts("9324/tcp"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("9324/tcp").WithStartupTimeout(startupTimeout)),
	)...)
	if err != nil {
		return fmt.Errorf("failed to start elasticmq container: %w", err)
	}
	r.container = c
	return nil
}

func (r *elasticMQResource) DSN(ctx context.Context) (string, error) {
	return r.endpoint(ctx, "http")
}
