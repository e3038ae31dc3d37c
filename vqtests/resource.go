// Package vqtests provides container backed dependencies and shared checks
// for testing queue transports.
package vqtests

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/util"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/network"
)

const DefaultLogProductionTimeout = 10 * time.Second

// Resource is a dependency started in a container for the duration of a suite.
type Resource interface {
	Name() string
	Setup(ctx context.Context, ntwk *testcontainers.DockerNetwork) error
	// DSN is the connection string reachable from the test process.
	DSN(ctx context.Context) (string, error)
	Cleanup(ctx context.Context)
}

type ContainerOpts struct {
	ImageName      string
	UserName       string
	Password       string
	NetworkAliases []string
	EnableLogging  bool
}

type ContainerOption func(*ContainerOpts)

// WithImageName overrides the image a resource starts.
func WithImageName(imageName string) ContainerOption {
	return func(o *ContainerOpts) {
		o.ImageName = imageName
	}
}

// WithEnableLogging forwards container output to the test logger.
func WithEnableLogging(enable bool) ContainerOption {
	return func(o *ContainerOpts) {
		o.EnableLogging = enable
	}
}

func (o *ContainerOpts) setup(opts ...ContainerOption) {
	for _, opt := range opts {
		opt(o)
	}
}

// customizers attaches the container to the suite network and, when enabled, to the logger.
func (o *ContainerOpts) customizers(
	ctx context.Context,
	ntwk *testcontainers.DockerNetwork,
	extra ...testcontainers.ContainerCustomizer,
) []testcontainers.ContainerCustomizer {
	out := append([]testcontainers.ContainerCustomizer{}, extra...)
	if ntwk != nil {
		out = append(out,
			network.WithNetwork(o.NetworkAliases, ntwk),
		)
	}
	if o.EnableLogging {
		out = append(out, testcontainers.WithLogConsumerConfig(logConfig(ctx)))
	}
	return out
}

// baseResource holds the started container. Endpoint lookups use its first exposed port.
type baseResource struct {
	opts      ContainerOpts
	container testcontainers.Container
}

func (b *baseResource) Name() string {
	return b.opts.ImageName
}

func (b *baseResource) endpoint(ctx context.Context, scheme string) (string, error) {
	if b.container == nil {
		return "", fmt.Errorf("%s is not running", b.opts.ImageName)
	}
	conn, err := b.container.Endpoint(ctx, scheme)
	if err != nil {
		return "", err
	}
	return strings.Replace(conn, "localhost", "127.0.0.1", 1), nil
}

func (b *baseResource) Cleanup(ctx context.Context) {
	if b.container == nil {
		return
	}
	if err := b.container.Terminate(ctx); err != nil {
		util.Log(ctx).WithField("image", b.opts.ImageName).WithError(err).Info("container termination failed")
	}
}

type logConsumer struct {
	log *util.LogEntry
}

func logConfig(ctx context.Context) *testcontainers.LogConsumerConfig {
	return &testcontainers.LogConsumerConfig{
		Opts:      []testcontainers.LogProductionOption{testcontainers.WithLogProductionTimeout(DefaultLogProductionTimeout)},
		Consumers: []testcontainers.LogConsumer{&logConsumer{log: util.Log(ctx)}},
	}
}

func (c *logConsumer) Accept(l testcontainers.Log) {
	if l.LogType == testcontainers.StderrLog {
		c.log.Error(string(l.Content))
		return
	}
	c.log.Info(string(l.Content))
}
