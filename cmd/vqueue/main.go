package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pitabwire/vqueue"
	"github.com/pitabwire/vqueue/config"
	"github.com/pitabwire/vqueue/queue"
	"github.com/pitabwire/vqueue/rpc"
	"github.com/pitabwire/vqueue/version"
)

const (
	minArgsCommand = 2

	defaultPingCount   = 30
	defaultPingTimeout = 5 * time.Second
	defaultReceiveWait = 5 * time.Second
)

func main() {
	if len(os.Args) < minArgsCommand {
		usage()
		os.Exit(1)
	}

	ctx := context.Background()
	switch os.Args[1] {
	case "create":
		exitOnErr(cmdCreate(ctx, os.Args[2:]))
	case "delete":
		exitOnErr(cmdDelete(ctx, os.Args[2:]))
	case "send":
		exitOnErr(cmdSend(ctx, os.Args[2:]))
	case "receive":
		exitOnErr(cmdReceive(ctx, os.Args[2:]))
	case "ping":
		exitOnErr(cmdPing(ctx, os.Args[2:]))
	case "pong":
		exitOnErr(cmdPong(ctx, os.Args[2:]))
	case "version":
		fmt.Fprintln(os.Stdout, version.String())
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stdout, "vqueue <command> [flags] [args]")
	fmt.Fprintln(os.Stdout, "")
	fmt.Fprintln(os.Stdout, "Commands:")
	fmt.Fprintln(os.Stdout, "  create <name> [--host QUEUE_URL]")
	fmt.Fprintln(os.Stdout, "  delete <queue-url>")
	fmt.Fprintln(os.Stdout, "  send <queue-url> <body> [--attr name=value]...")
	fmt.Fprintln(os.Stdout, "  receive <queue-url> [--max N] [--wait 5s] [--keep]")
	fmt.Fprintln(os.Stdout, "  ping <queue-url> [--count 30] [--timeout 5s] [--host QUEUE_URL]")
	fmt.Fprintln(os.Stdout, "  pong <queue-url> [--for DURATION]")
	fmt.Fprintln(os.Stdout, "  version")
	fmt.Fprintln(os.Stdout, "")
	fmt.Fprintln(os.Stdout, "Every command takes --transport URL, defaulting to $TRANSPORT_URL.")
}

func exitOnErr(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}

// command is the flag set shared by every subcommand.
type command struct {
	fs        *flag.FlagSet
	transport *string
	telemetry *bool
}

func newCommand(name string) *command {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	return &command{
		fs:        fs,
		transport: fs.String("transport", "", "transport url, e.g. sqs://us-east-1 or redis://localhost:6379"),
		telemetry: fs.Bool("telemetry", false, "export OpenTelemetry signals configured by the OTEL_* environment"),
	}
}

func (c *command) parse(args []string, required int, what string) error {
	if err := c.fs.Parse(args); err != nil {
		return err
	}
	if c.fs.NArg() < required {
		return fmt.Errorf("%s is required", what)
	}
	return nil
}

// service builds a vqueue service for the parsed flags. The caller stops it.
func (c *command) service(ctx context.Context) (context.Context, *vqueue.Service, error) {
	cfg, err := config.FromEnv[config.ConfigurationDefault]()
	if err != nil {
		return ctx, nil, err
	}
	cfg.OpenTelemetryDisable = !*c.telemetry

	opts := []vqueue.Option{vqueue.WithName("vqueue-cli"), vqueue.WithConfig(&cfg)}
	if *c.transport != "" {
		opts = append(opts, vqueue.WithTransportURL(*c.transport))
	}

	ctx, svc := vqueue.NewService(ctx, opts...)
	if err = svc.StartupError(); err != nil {
		_ = svc.Stop(ctx)
		return ctx, nil, err
	}
	return ctx, svc, nil
}

func cmdCreate(ctx context.Context, args []string) error {
	c := newCommand("create")
	host := c.fs.String("host", "", "create a virtual queue on this host queue")
	if err := c.parse(args, 1, "queue name"); err != nil {
		return err
	}

	ctx, svc, err := c.service(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Stop(ctx) }()

	var attributes map[string]string
	if *host != "" {
		attributes = map[string]string{queue.AttributeHostQueueURL: *host}
	}
	url, err := svc.Transport().CreateQueue(ctx, c.fs.Arg(0), attributes)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, url)
	return nil
}

func cmdDelete(ctx context.Context, args []string) error {
	c := newCommand("delete")
	if err := c.parse(args, 1, "queue url"); err != nil {
		return err
	}

	ctx, svc, err := c.service(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Stop(ctx) }()

	return svc.Transport().DeleteQueue(ctx, c.fs.Arg(0))
}

func cmdSend(ctx context.Context, args []string) error {
	c := newCommand("send")
	var attributes queue.Attributes
	c.fs.Func("attr", "string message attribute as name=value, repeatable", func(v string) error {
		name, value, ok := strings.Cut(v, "=")
		if !ok || name == "" {
			return errors.New("attribute must be name=value")
		}
		attributes.Set(name, queue.StringAttribute(value))
		return nil
	})
	if err := c.parse(args, 2, "queue url and body"); err != nil {
		return err
	}

	ctx, svc, err := c.service(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Stop(ctx) }()

	id, err := svc.Transport().SendMessage(ctx, c.fs.Arg(0), c.fs.Arg(1), attributes)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, id)
	return nil
}

func cmdReceive(ctx context.Context, args []string) error {
	c := newCommand("receive")
	maxMessages := c.fs.Int("max", 1, "messages to receive, at most 10")
	wait := c.fs.Duration("wait", defaultReceiveWait, "how long to wait for messages")
	keep := c.fs.Bool("keep", false, "leave received messages on the queue")
	if err := c.parse(args, 1, "queue url"); err != nil {
		return err
	}

	ctx, svc, err := c.service(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Stop(ctx) }()

	url := c.fs.Arg(0)
	msgs, err := svc.Transport().ReceiveMessage(ctx, url, queue.ReceiveOptions{
		MaxMessages:    *maxMessages,
		WaitTime:       *wait,
		AttributeNames: []string{queue.AllAttributes},
	})
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		fmt.Fprintf(os.Stdout, "%s\t%s", msg.ID, msg.Body)
		for name, value := range msg.Attributes.All() {
			fmt.Fprintf(os.Stdout, "\t%s=%s", name, formatAttribute(value))
		}
		fmt.Fprintln(os.Stdout)

		if *keep {
			err = svc.Transport().ChangeMessageVisibility(ctx, url, msg.ReceiptHandle, 0)
		} else {
			err = svc.Transport().DeleteMessage(ctx, url, msg.ReceiptHandle)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func cmdPing(ctx context.Context, args []string) error {
	c := newCommand("ping")
	count := c.fs.Int("count", defaultPingCount, "requests to send")
	timeout := c.fs.Duration("timeout", defaultPingTimeout, "how long to wait for each response")
	host := c.fs.String("host", "", "host queue for virtual response queues")
	if err := c.parse(args, 1, "request queue url"); err != nil {
		return err
	}

	ctx, svc, err := c.service(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Stop(ctx) }()

	var opts []rpc.RequesterOption
	if *host != "" {
		opts = append(opts, rpc.WithResponseHost(*host))
	}
	requester := svc.NewRequester(opts...)

	for i := range *count {
		start := time.Now()
		request := &queue.Message{Body: fmt.Sprintf("PING %d", i)}
		response, reqErr := requester.SendMessageAndGetResponse(ctx, c.fs.Arg(0), request, *timeout)
		if reqErr != nil {
			return reqErr
		}
		if want := fmt.Sprintf("PONG %d", i); response.Body != want {
			return fmt.Errorf("expected %q, got %q", want, response.Body)
		}
		fmt.Fprintf(os.Stdout, "%s in %s\n", response.Body, time.Since(start).Round(time.Millisecond))
	}
	return nil
}

func cmdPong(ctx context.Context, args []string) error {
	c := newCommand("pong")
	runFor := c.fs.Duration("for", 0, "stop after this long, zero runs until interrupted")
	if err := c.parse(args, 1, "request queue url"); err != nil {
		return err
	}

	ctx, svc, err := c.service(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Stop(ctx) }()

	engine := svc.NewConsumer(c.fs.Arg(0), rpc.PongHandler(svc.Responder()))
	if *runFor > 0 {
		err = engine.RunFor(ctx, *runFor)
	} else {
		err = engine.Start(ctx)
	}
	if err != nil {
		return err
	}

	select {
	case <-engine.Done():
	case <-ctx.Done():
	}
	return engine.Terminate(context.WithoutCancel(ctx))
}

func formatAttribute(v queue.AttributeValue) string {
	switch v.Kind {
	case queue.KindBinary:
		return base64.StdEncoding.EncodeToString(v.BinaryValue)
	case queue.KindStringList:
		return "[" + strings.Join(v.StringListValues, ",") + "]"
	case queue.KindBinaryList:
		parts := make([]string, len(v.BinaryListValues))
		for i, b := range v.BinaryListValues {
			parts[i] = base64.StdEncoding.EncodeToString(b)
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return v.StringValue
	}
}
