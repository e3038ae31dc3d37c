package vqueue_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/pitabwire/vqueue"
	"github.com/pitabwire/vqueue/config"
	"github.com/pitabwire/vqueue/queue"
	"github.com/pitabwire/vqueue/rpc"
	"github.com/pitabwire/vqueue/transport"
	"github.com/pitabwire/vqueue/transport/memory"
)

type ServiceSuite struct {
	suite.Suite
	cfg    *config.ConfigurationDefault
	memory *memory.Transport
}

func TestService(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	cfg, err := config.FromEnv[config.ConfigurationDefault]()
	s.Require().NoError(err)
	cfg.OpenTelemetryDisable = true
	cfg.ConsumerMaxWait = "100ms"
	cfg.ConsumerTerminateTimeout = "2s"
	cfg.VirtualQueueReceiveWait = "100ms"
	s.cfg = &cfg
	s.memory = memory.New()
}

func (s *ServiceSuite) newService(opts ...vqueue.Option) (context.Context, *vqueue.Service) {
	opts = append([]vqueue.Option{
		vqueue.WithName("service-test"),
		vqueue.WithConfig(s.cfg),
		vqueue.WithTransport(s.memory),
	}, opts...)
	ctx, svc := vqueue.NewService(s.T().Context(), opts...)
	s.T().Cleanup(func() { _ = svc.Stop(context.Background()) })
	return ctx, svc
}

func (s *ServiceSuite) createQueue(name string) string {
	url, err := s.memory.CreateQueue(s.T().Context(), name, nil)
	s.Require().NoError(err)
	return url
}

func (s *ServiceSuite) TestNewServiceFillsContext() {
	ctx, svc := s.newService()

	s.Require().NoError(svc.StartupError())
	s.Equal("service-test", svc.Name())
	s.Same(svc, vqueue.FromContext(ctx))
	s.Same(s.cfg, config.FromContext[*config.ConfigurationDefault](ctx))
	s.NotNil(svc.Transport())
	s.NotNil(svc.Responder())
	s.Same(s.memory, svc.Multiplexer().Unwrap())
}

func (s *ServiceSuite) TestRunStartsRegisteredConsumers() {
	url := s.createQueue("orders")
	received := make(chan string, 1)

	ctx, svc := s.newService(vqueue.WithRegisterConsumer(url, func(_ context.Context, msg *queue.Message) error {
		received <- msg.Body
		return nil
	}))

	runCtx, cancel := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(runCtx) }()

	_, err := svc.Transport().SendMessage(ctx, url, "order 1", queue.Attributes{})
	s.Require().NoError(err)

	select {
	case body := <-received:
		s.Equal("order 1", body)
	case <-time.After(5 * time.Second):
		s.Fail("registered consumer did not receive the message")
	}

	s.Eventually(func() bool {
		visible, inFlight, depthErr := s.memory.Depth(url)
		return depthErr == nil && visible == 0 && inFlight == 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err = <-runErr:
		s.Require().NoError(err)
	case <-time.After(5 * time.Second):
		s.Fail("run did not return after cancellation")
	}
	s.False(s.memory.Exists(url), "stopping closes the transport")
}

func (s *ServiceSuite) TestRequestResponseThroughVirtualQueues() {
	requestURL := s.createQueue("requests")
	hostURL := s.createQueue("responses")

	ctx, svc := s.newService()

	responder := svc.Responder()
	server := svc.NewConsumer(requestURL, func(ctx context.Context, msg *queue.Message) error {
		return responder.SendResponseMessage(ctx, msg, &queue.Message{
			Body: strings.Replace(msg.Body, "PING", "PONG", 1),
		})
	})
	s.Require().NoError(server.Start(ctx))
	defer func() { _ = server.Terminate(context.Background()) }()

	requester := svc.NewRequester(rpc.WithResponseHost(hostURL))
	for i := range 3 {
		body := "PING " + string(rune('0'+i))
		response, err := requester.SendMessageAndGetResponse(ctx, requestURL, &queue.Message{Body: body}, 5*time.Second)
		s.Require().NoError(err)
		s.Equal("PONG "+string(rune('0'+i)), response.Body)
	}

	s.Equal(0, svc.Multiplexer().VirtualQueueCount())
}

func (s *ServiceSuite) TestStartupErrorsAreReturnedByRun() {
	ctx, svc := vqueue.NewService(s.T().Context(),
		vqueue.WithConfig(s.cfg),
		vqueue.WithTransportURL("kafka://broker:9092"))

	s.Nil(svc.Transport())
	err := svc.Run(ctx)
	s.Require().ErrorIs(err, transport.ErrUnsupportedScheme)
	s.Require().NoError(svc.Stop(ctx))
}

func (s *ServiceSuite) TestStopIsIdempotent() {
	reader := sdkmetric.NewManualReader()
	ctx, svc := s.newService(vqueue.WithMetricsReader(reader))

	first := svc.Stop(ctx)
	second := svc.Stop(ctx)
	s.Equal(first, second)
	s.Error(ctx.Err(), "stopping cancels the service context")
}
