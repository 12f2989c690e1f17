package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/dgellow/twitch-session/internal/apiclient"
	"github.com/dgellow/twitch-session/internal/config"
	"github.com/dgellow/twitch-session/internal/idp"
	"github.com/dgellow/twitch-session/internal/log"
	"github.com/dgellow/twitch-session/internal/mcpserver"
	"github.com/dgellow/twitch-session/internal/redirect"
	"github.com/dgellow/twitch-session/internal/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

var BuildVersion = "dev"

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		log.LogError("%v", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "twitch-session",
		Usage:   "sign in with Twitch from the command line or an MCP host",
		Version: BuildVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file (defaults to CLIENT_ID from the environment)",
				EnvVars: []string{"TWITCH_SESSION_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "error, warn, info, debug or trace",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Before: func(cctx *cli.Context) error {
			if level := cctx.String("log-level"); level != "" {
				return log.SetLogLevel(level)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "login",
				Usage:  "sign in through the browser and print the profile",
				Action: runLogin,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "revoke",
						Usage: "sign out again before exiting, revoking the token",
					},
				},
			},
			{
				Name:   "mcp",
				Usage:  "serve sign_in, sign_out and whoami as MCP tools over stdio",
				Action: runMCP,
			},
			{
				Name:      "validate",
				Usage:     "validate a config file",
				ArgsUsage: "<path>",
				Action:    runValidate,
			},
			{
				Name:      "config-init",
				Usage:     "write a default config file",
				ArgsUsage: "<path>",
				Action:    runConfigInit,
			},
		},
	}
}

func loadConfig(cctx *cli.Context) (config.Config, error) {
	if path := cctx.String("config"); path != "" {
		return config.Load(path)
	}
	return config.FromEnv()
}

// newManager builds the single API client for the process and the session
// flow on top of it.
func newManager(cfg config.Config, open redirect.Opener) *session.Manager {
	api := apiclient.New(cfg.Provider.APIBaseURL, cfg.Provider.ClientID)
	provider := idp.NewTwitchProvider(cfg.Provider, cfg.Redirect.RedirectURI, api)
	redirector := redirect.NewLoopbackRedirector(cfg.Redirect.Addr, cfg.Redirect.Timeout, open)

	manager := session.NewManager(provider, redirector, api)
	manager.Subscribe(func(st session.State) {
		log.LogDebugWithFields("main", "Session state changed", map[string]any{
			"phase": st.Phase.String(),
		})
	})
	return manager
}

func startMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.LogInfoWithFields("main", "Serving metrics", map[string]any{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.LogErrorWithFields("main", "Metrics server stopped", map[string]any{"error": err.Error()})
		}
	}()
}

func runLogin(cctx *cli.Context) error {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	startMetrics(cfg.Metrics.Addr)

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := newManager(cfg, redirect.DefaultOpener)
	log.LogInfoWithFields("main", "Starting sign-in", map[string]any{
		"version":     BuildVersion,
		"redirectUri": cfg.Redirect.RedirectURI,
	})

	if err := manager.SignIn(ctx); err != nil {
		return err
	}

	user := manager.User()
	if user == nil {
		fmt.Fprintln(cctx.App.ErrWriter, "Sign-in cancelled")
		return nil
	}
	printProfile(cctx.App.Writer, user)

	if cctx.Bool("revoke") {
		// Independent of ctx so an interrupt still revokes.
		_ = manager.SignOut(context.Background())
		fmt.Fprintln(cctx.App.ErrWriter, "Signed out, token revoked")
	}
	return nil
}

func printProfile(w io.Writer, user *idp.Profile) {
	fmt.Fprintf(w, "Signed in as %s\n", user.DisplayName)
	fmt.Fprintf(w, "  id:     %d\n", user.ID)
	if user.Email != "" {
		fmt.Fprintf(w, "  email:  %s\n", user.Email)
	}
	if user.AvatarURL != "" {
		fmt.Fprintf(w, "  avatar: %s\n", user.AvatarURL)
	}
}

func runMCP(cctx *cli.Context) error {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	startMetrics(cfg.Metrics.Addr)

	// stdout carries the MCP stream; the authorization URL goes to stderr.
	manager := newManager(cfg, redirect.PrintOpener(os.Stderr))
	defer func() {
		_ = manager.SignOut(context.Background())
	}()

	log.LogInfoWithFields("main", "Starting MCP server", map[string]any{"version": BuildVersion})
	return mcpserver.New(manager, BuildVersion).Serve()
}

func runValidate(cctx *cli.Context) error {
	path := cctx.Args().First()
	if path == "" {
		path = cctx.String("config")
	}
	if path == "" {
		return fmt.Errorf("a config path is required")
	}
	return validateConfig(cctx.App.Writer, path)
}

func validateConfig(w io.Writer, path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Fprintf(w, "Validating: %s\n", path)

	if len(result.Errors) > 0 {
		fmt.Fprintf(w, "\nErrors (%d):\n", len(result.Errors))
		for _, err := range result.Errors {
			if err.Path != "" {
				fmt.Fprintf(w, "  - %s: %s\n", err.Path, err.Message)
			} else {
				fmt.Fprintf(w, "  - %s\n", err.Message)
			}
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Fprintf(w, "\nWarnings (%d):\n", len(result.Warnings))
		for _, warn := range result.Warnings {
			if warn.Path != "" {
				fmt.Fprintf(w, "  - %s: %s\n", warn.Path, warn.Message)
			} else {
				fmt.Fprintf(w, "  - %s\n", warn.Message)
			}
		}
	}

	fmt.Fprintln(w)
	switch {
	case len(result.Errors) == 0 && len(result.Warnings) == 0:
		fmt.Fprintln(w, "Result: PASS")
		return nil
	case len(result.Errors) == 0:
		fmt.Fprintln(w, "Result: PASS (with warnings)")
		return nil
	default:
		fmt.Fprintln(w, "Result: FAIL")
		return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
	}
}

func runConfigInit(cctx *cli.Context) error {
	path := cctx.Args().First()
	if path == "" {
		return fmt.Errorf("a target path is required")
	}
	if err := generateDefaultConfig(path); err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}
	fmt.Fprintf(cctx.App.Writer, "Generated default config at: %s\n", path)
	return nil
}

func generateDefaultConfig(path string) error {
	data, err := config.DefaultFile()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
