// ABOUTME: Fake agent runtime for local runs and E2E tests, echoes each query word by word
// ABOUTME: Usage: fake-runtime [--addr localhost:50051] [--delay 50ms] [--jwt-secret S]

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"github.com/2389/sessiongate/internal/auth"
	"github.com/2389/sessiongate/internal/runtime"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		addr      string
		delay     time.Duration
		jwtSecret string
	)
	flags := pflag.NewFlagSet("fake-runtime", pflag.ContinueOnError)
	flags.StringVar(&addr, "addr", "localhost:50051", "gRPC listen address")
	flags.DurationVar(&delay, "delay", 0, "pause before each chunk")
	flags.StringVar(&jwtSecret, "jwt-secret", os.Getenv("FAKE_RUNTIME_JWT_SECRET"), "require bearer tokens signed with this secret")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "fake-runtime")

	var opts []grpc.ServerOption
	if jwtSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(jwtSecret))
		if err != nil {
			return err
		}
		opts = append(opts, grpc.StreamInterceptor(auth.StreamInterceptor(verifier, logger)))
	}

	server := grpc.NewServer(opts...)
	runtime.RegisterServer(server, &runtime.Echo{Delay: delay})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		server.GracefulStop()
	}()

	logger.Info("serving", "addr", ln.Addr().String(), "delay", delay, "auth", jwtSecret != "")
	return server.Serve(ln)
}
