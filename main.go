// Command tabsplit runs the tabsplit relay and its terminal clients.
//
// Commands:
//  1. "serve" (default) – runs the relay: WebSocket endpoint, REST API and an /mcp HTTP endpoint
//  2. "mcp" – runs an MCP stdio server against a relay, starting an internal one if none is reachable
//  3. "host" – hosts a bill-splitting session for a receipt file
//  4. "join" – joins a session as a guest
//
// Flags control host/port, the public join URL, debug logging, and optional
// ngrok tunneling for easy external access during development.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
	"github.com/wricardo/tabsplit/api"
	"github.com/wricardo/tabsplit/config"
	"github.com/wricardo/tabsplit/relay"
	"github.com/wricardo/tabsplit/transport/mcp"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "tabsplit relay"
)

var log = logrus.New()

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		log.WithError(err).Fatal("tabsplit failed")
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:           "tabsplit",
		Usage:          "split a restaurant bill across phones through a room-code relay",
		Version:        Version,
		DefaultCommand: "serve",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "enable debug logging",
				Sources: cli.EnvVars("TABSPLIT_DEBUG"),
			},
			&cli.BoolFlag{
				Name:    "log-json",
				Usage:   "log as JSON",
				Sources: cli.EnvVars("TABSPLIT_LOG_JSON"),
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			// Load .env before flag sources are read by subcommands.
			loaded, err := config.LoadDotEnv()
			if err != nil {
				log.WithError(err).Warn("Error loading .env file")
			}
			setupLogging(log, cmd.Bool("debug"), cmd.Bool("log-json"))
			if loaded {
				log.Debug("Loaded environment variables from .env file")
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			mcpCommand(),
			hostCommand(),
			joinCommand(),
		},
	}
}

func setupLogging(l *logrus.Logger, debug, asJSON bool) {
	if asJSON {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	l.SetLevel(logrus.InfoLevel)
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the relay with REST API, WebSocket, and MCP endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Value: "localhost", Usage: "HTTP server host", Sources: cli.EnvVars("TABSPLIT_HOST")},
			&cli.IntFlag{Name: "port", Value: 8080, Usage: "HTTP server port", Sources: cli.EnvVars("TABSPLIT_PORT", "PORT")},
			&cli.StringFlag{Name: "public-url", Usage: "base URL used in join links (default http://host:port)", Sources: cli.EnvVars("TABSPLIT_PUBLIC_URL")},
			&cli.DurationFlag{Name: "room-ttl", Value: config.DefaultRelay().RoomTTL, Usage: "idle lifetime of a room", Sources: cli.EnvVars("TABSPLIT_ROOM_TTL")},
			&cli.StringSliceFlag{Name: "allowed-origin", Usage: "allowed WebSocket origin, repeatable (default any)", Sources: cli.EnvVars("TABSPLIT_ALLOWED_ORIGINS")},
			&cli.BoolFlag{Name: "ngrok", Usage: "enable ngrok tunnel", Sources: cli.EnvVars("NGROK_ENABLED")},
			&cli.StringFlag{Name: "ngrok-auth", Usage: "ngrok auth token", Sources: cli.EnvVars("NGROK_AUTHTOKEN", "NGROK_AUTH_TOKEN")},
			&cli.StringFlag{Name: "ngrok-domain", Usage: "custom ngrok domain (optional)", Sources: cli.EnvVars("NGROK_DOMAIN")},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := serveConfig(cmd)
			if err != nil {
				return err
			}
			return runHTTPServer(ctx, cfg)
		},
	}
}

// serveConfig builds the relay configuration from flags and environment.
func serveConfig(cmd *cli.Command) (config.Config, error) {
	cfg := config.Default()
	cfg.Host = cmd.String("host")
	cfg.Port = int(cmd.Int("port"))
	cfg.PublicURL = cmd.String("public-url")
	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://" + cfg.Addr()
	}
	cfg.Debug = cmd.Bool("debug")
	cfg.LogJSON = cmd.Bool("log-json")
	cfg.Relay.RoomTTL = cmd.Duration("room-ttl")
	cfg.Relay.AllowedOrigins = cmd.StringSlice("allowed-origin")
	cfg.Ngrok = config.NgrokConfig{
		Enabled:   cmd.Bool("ngrok"),
		AuthToken: cmd.String("ngrok-auth"),
		Domain:    cmd.String("ngrok-domain"),
	}
	return cfg, cfg.Validate()
}

// newRouter mounts the API server at root and adds the MCP endpoint.
func newRouter(apiServer *api.Server, mcpClient *mcp.Client) http.Handler {
	mainRouter := http.NewServeMux()
	mainRouter.Handle("/", apiServer)
	mainRouter.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		response := mcpClient.GetMCPServer().HandleMessage(r.Context(), body)

		w.Header().Set("Content-Type", "application/json")
		responseData, err := json.Marshal(response)
		if err != nil {
			http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
			return
		}
		w.Write(responseData)
	})
	return mainRouter
}

// runHTTPServer starts the relay and blocks until SIGINT or SIGTERM. If ngrok
// is enabled it also serves through a public tunnel.
func runHTTPServer(parent context.Context, cfg config.Config) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	entry := logrus.NewEntry(log)
	registry := relay.NewRegistry(relay.WithLogger(entry.WithField("component", "registry")))
	hub := relay.NewHub(cfg.Relay, registry, entry.WithField("component", "relay"))
	go hub.Run(ctx)

	apiServer := api.NewServer(hub, cfg.PublicURL, entry.WithField("component", "api"))
	addr := cfg.Addr()
	mcpClient := mcp.NewClient("http://" + addr)
	handler := newRouter(apiServer, mcpClient)

	// WriteTimeout is left unset: upgraded websocket connections manage their
	// own deadlines.
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	serveErr := make(chan error, 1)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		log.WithFields(logrus.Fields{
			"addr":       addr,
			"public_url": cfg.PublicURL,
			"room_ttl":   cfg.Relay.RoomTTL,
		}).Infof("Starting %s v%s", AppName, Version)
		log.Infof("WebSocket: ws://%s/ws", addr)
		log.Infof("REST API: http://%s/api", addr)
		log.Infof("MCP endpoint: http://%s/mcp", addr)

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()

	if cfg.Ngrok.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runNgrok(ctx, cfg.Ngrok, handler)
		}()
	}

	var err error
	select {
	case sig := <-stop:
		log.WithField("signal", sig).Info("Shutting down")
	case <-parent.Done():
		log.Info("Shutting down")
	case err = <-serveErr:
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		log.WithError(shutdownErr).Warn("HTTP server shutdown error")
	}

	wg.Wait()
	log.Info("Server stopped")
	return err
}

// runNgrok serves handler through an ngrok tunnel until ctx is done.
func runNgrok(ctx context.Context, cfg config.NgrokConfig, handler http.Handler) {
	if cfg.AuthToken == "" {
		log.Warn("Ngrok enabled but no auth token provided (use --ngrok-auth, NGROK_AUTHTOKEN, or NGROK_AUTH_TOKEN)")
		return
	}

	log.Info("Starting ngrok tunnel...")
	var tunnel ngrokConfig.Tunnel
	if cfg.Domain != "" {
		tunnel = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(cfg.Domain))
		log.WithField("domain", cfg.Domain).Info("Using custom ngrok domain")
	} else {
		tunnel = ngrokConfig.HTTPEndpoint()
	}

	tun, err := ngrok.Listen(ctx, tunnel, ngrok.WithAuthtoken(cfg.AuthToken))
	if err != nil {
		log.WithError(err).Error("Failed to start ngrok tunnel")
		return
	}
	go func() {
		<-ctx.Done()
		if err := tun.Close(); err != nil {
			log.WithError(err).Warn("Failed to close ngrok tunnel")
		}
	}()

	ngrokURL := tun.URL()
	log.Infof("Ngrok tunnel established: %s", ngrokURL)
	log.Infof("  WebSocket (ngrok): wss%s/ws", strings.TrimPrefix(ngrokURL, "https"))
	log.Infof("  Join links (ngrok): %s", api.JoinLink(ngrokURL, "<code>"))

	if err := http.Serve(tun, handler); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		log.WithError(err).Warn("Ngrok server error")
	}
	log.Info("Ngrok tunnel closed")
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "run an MCP stdio server, starting an internal relay if none is reachable",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "relay-url", Value: "http://localhost:8080", Usage: "relay HTTP base URL", Sources: cli.EnvVars("TABSPLIT_RELAY_HTTP")},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			// stdout carries the MCP protocol.
			log.SetOutput(os.Stderr)
			return runStdioMCP(ctx, cmd.String("relay-url"))
		},
	}
}

// runStdioMCP reuses an external relay at externalURL when it answers its
// health check; otherwise it starts an internal relay on a random loopback
// port and targets that.
func runStdioMCP(ctx context.Context, externalURL string) error {
	baseURL := externalURL
	if !relayReachable(externalURL) {
		log.Infof("No relay found at %s, starting internal relay", externalURL)

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("failed to get available port: %w", err)
		}
		baseURL = "http://" + listener.Addr().String()

		entry := logrus.NewEntry(log)
		hub := relay.NewHub(config.DefaultRelay(), relay.NewRegistry(relay.WithLogger(entry)), entry)
		go hub.Run(ctx)

		httpServer := &http.Server{Handler: api.NewServer(hub, baseURL, entry)}
		defer httpServer.Close()
		go func() {
			if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Warn("Internal HTTP server error")
			}
		}()
	}

	log.WithField("relay", baseURL).Info("MCP stdio server ready")
	return server.ServeStdio(mcp.NewClient(baseURL).GetMCPServer())
}

func relayReachable(baseURL string) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(baseURL + "/healthz")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
