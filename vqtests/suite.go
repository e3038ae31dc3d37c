package vqtests

import (
	"context"
	"testing"

	"github.com/pitabwire/util"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/network"
)

// ContainerSuite starts the resources returned by InitResourceFunc on a
// private network before the suite and removes them after it. Suites are
// skipped in short mode and when no container provider is reachable.
type ContainerSuite struct {
	suite.Suite
	Network   *testcontainers.DockerNetwork
	resources []Resource

	InitResourceFunc func(ctx context.Context) []Resource
}

func (s *ContainerSuite) SetupSuite() {
	t := s.T()
	if testing.Short() {
		t.Skip("container tests are skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := t.Context()
	log := util.Log(ctx)

	require.NotNil(t, s.InitResourceFunc, "InitResourceFunc is required")

	net, err := network.New(ctx)
	require.NoError(t, err, "could not create network")
	s.Network = net

	s.resources = s.InitResourceFunc(ctx)
	for _, res := range s.resources {
		log.WithField("image", res.Name()).Info("setting up container")
		require.NoError(t, res.Setup(ctx, net), "could not set up %s", res.Name())
	}
}

// Resources lists the started dependencies, in InitResourceFunc order.
func (s *ContainerSuite) Resources() []Resource {
	return s.resources
}

// DSN returns the connection string of the resource at index.
func (s *ContainerSuite) DSN(index int) string {
	s.Require().Less(index, len(s.resources))
	dsn, err := s.resources[index].DSN(s.T().Context())
	s.Require().NoError(err)
	return dsn
}

func (s *ContainerSuite) TearDownSuite() {
	ctx := context.Background()
	for _, res := range s.resources {
		res.Cleanup(ctx)
	}
	if s.Network != nil {
		s.Require().NoError(s.Network.Remove(ctx), "could not remove network")
	}
}
