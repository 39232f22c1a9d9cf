// ABOUTME: Entry point for the sessiongate server and its admin commands
// ABOUTME: serve runs the gateway; health, agents and token talk to or configure it

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/sessiongate/internal/auth"
	"github.com/2389/sessiongate/internal/config"
	"github.com/2389/sessiongate/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
                      _                         _
 ___  ___  ___ ___(_) ___  _ __   __ _  __ _| |_ ___
/ __|/ _ \/ __/ __| |/ _ \| '_ \ / _' |/ _' | __/ _ \
\__ \  __/\__ \__ \ | (_) | | | | (_| | (_| | ||  __/
|___/\___||___/___/_|\___/|_| |_|\__, |\__,_|\__\___|
                                 |___/
`

type rootOptions struct {
	configPath string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "sessiongate",
		Short:         "Session and event gateway for conversational agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default $SESSIONGATE_CONFIG or ~/.config/sessiongate/gateway.yaml)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newHealthCommand(opts))
	cmd.AddCommand(newAgentsCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return cmd
}

// loadConfig loads and validates the config. A missing file falls back to
// defaults plus environment overrides.
func loadConfig(opts *rootOptions) (*config.Config, string, error) {
	path := config.Path(opts.configPath)
	cfg, err := config.Load(path, opts.configPath == "")
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Agents:    %d\n", len(cfg.Agents))
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Runtime.Echo {
		yellow.Println("    ! echo runtime enabled")
	}
	fmt.Println()

	logger.Info("starting sessiongate",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gateway.Version = version
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func newHealthCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, status, err := getEndpoint(cmd.Context(), opts, "/health/ready")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			if status != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d: %s", status, body)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}

func newAgentsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the agents a running gateway serves",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, status, err := getEndpoint(cmd.Context(), opts, "/health")
			if err != nil {
				return fmt.Errorf("agents check failed: %w", err)
			}
			if status != http.StatusOK {
				return fmt.Errorf("unexpected status %d: %s", status, body)
			}
			var health gateway.HealthResponse
			if err := json.Unmarshal(body, &health); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, a := range health.Agents {
				state := color.GreenString("enabled")
				if !a.Enabled {
					state = color.HiBlackString("disabled")
				}
				fmt.Fprintf(out, "%-24s %-10s %s\n", a.AgentID, state, a.DisplayName)
			}
			return nil
		},
	}
}

// getEndpoint fetches path from the gateway named in the config.
func getEndpoint(ctx context.Context, opts *rootOptions, path string) ([]byte, int, error) {
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return nil, 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		roles     []string
		expiresIn time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint a bearer token signed with auth.jwt_secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return err
			}
			token, err := verifier.Generate(args[0], roles, expiresIn)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to grant (repeatable, e.g. admin)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 30*24*time.Hour, "token lifetime, 0 for no expiry")
	return cmd
}
