// Command mux-server runs a secure mux server.
//
// The server listens for TLS connections, gates every handshake through the
// configured validation policy, and serves query exchanges over multiplexed
// sessions. Live connection counts are tracked in a stats registry and
// reported periodically.
//
// Usage:
//
//	mux-server [flags]
//
// Flags:
//
//	-config string          Configuration file path (YAML)
//	-listen string          Listen address (default ":9443")
//	-label string           Accounting label for connection gauges (default "server")
//	-cert string            Server certificate file (PEM)
//	-key string             Server private key file (PEM)
//	-ca string              CA certificate for peer chain verification (PEM)
//	-policy string          Validation policy: accept, reject, allow-names, chain-trust (default "accept")
//	-allow string           Comma-separated peer names for -policy allow-names
//	-dev                    Generate a throwaway self-signed certificate
//	-log-level string       Log level: debug, info, warn, error (default "info")
//	-stats-interval duration Interval for connection count reports (default 30s)
//
// Examples:
//
//	# Development server with a generated certificate, accepting all peers
//	mux-server -dev -listen :9443
//
//	# Production server with chain trust and a name allow-list
//	mux-server -cert server.pem -key server.key -ca ca.pem -policy allow-names -allow worker-1,worker-2
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ceponce/finagle/pkg/cert"
	"github.com/Ceponce/finagle/pkg/config"
	"github.com/Ceponce/finagle/pkg/log"
	"github.com/Ceponce/finagle/pkg/rpc"
	"github.com/Ceponce/finagle/pkg/stats"
	"github.com/Ceponce/finagle/pkg/transport"
)

func main() {
	var (
		configFile    string
		listen        string
		label         string
		certFile      string
		keyFile       string
		caFile        string
		policyMode    string
		allowNames    string
		dev           bool
		logLevel      string
		statsInterval time.Duration
	)

	flag.StringVar(&configFile, "config", "", "Configuration file path (YAML)")
	flag.StringVar(&listen, "listen", fmt.Sprintf(":%d", transport.DefaultPort), "Listen address")
	flag.StringVar(&label, "label", "server", "Accounting label for connection gauges")
	flag.StringVar(&certFile, "cert", "", "Server certificate file (PEM)")
	flag.StringVar(&keyFile, "key", "", "Server private key file (PEM)")
	flag.StringVar(&caFile, "ca", "", "CA certificate for peer chain verification (PEM)")
	flag.StringVar(&policyMode, "policy", config.PolicyAccept, "Validation policy: accept, reject, allow-names, chain-trust")
	flag.StringVar(&allowNames, "allow", "", "Comma-separated peer names for -policy allow-names")
	flag.BoolVar(&dev, "dev", false, "Generate a throwaway self-signed certificate")
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.DurationVar(&statsInterval, "stats-interval", 30*time.Second, "Interval for connection count reports")
	flag.Parse()

	logger := setupLogging("mux-server", logLevel)

	cfg, err := loadConfig(configFile, listen, label, certFile, keyFile, caFile, policyMode, allowNames)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	tlsConf, err := buildTransport(cfg, dev)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build transport config")
	}

	registry := stats.NewRegistry()

	mux := rpc.NewMux()
	mux.HandleQuery(func(ctx context.Context, request string) (string, error) {
		return request + request, nil
	})
	mux.Handle("echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})

	srv, err := rpc.NewServer(rpc.ServerConfig{
		TLS:     tlsConf,
		Address: cfg.Address,
		Label:   cfg.Label,
		Stats:   registry,
		Logger:  log.NewZerologAdapter(logger),
		Handler: mux.Serve,
		OnError: func(err error) {
			logger.Warn().Err(err).Msg("connection setup failed")
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}
	logger.Info().Stringer("addr", srv.Addr()).Str("label", cfg.Label).Msg("server started")

	go reportStats(ctx, logger, registry, cfg.Label, statsInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Stringer("signal", sig).Msg("shutting down")

	if err := srv.Stop(); err != nil {
		logger.Error().Err(err).Msg("error stopping server")
	}
	logger.Info().
		Int64("connections", registry.Read(stats.ConnectionsPath(cfg.Label)...)).
		Msg("stopped")
}

// setupLogging configures a console zerolog logger.
func setupLogging(app, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).Level(lvl).With().Timestamp().Str("app", app).Logger()
}

// loadConfig merges the config file (if any) with flag values. Flags fill
// fields the file left empty.
func loadConfig(configFile, listen, label, certFile, keyFile, caFile, policyMode, allowNames string) (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &config.Config{}
	}

	if cfg.Address == "" {
		cfg.Address = listen
	}
	if cfg.Label == "" {
		cfg.Label = label
	}
	if cfg.TLS.CertFile == "" {
		cfg.TLS.CertFile = certFile
		cfg.TLS.KeyFile = keyFile
	}
	if cfg.TLS.CAFile == "" {
		cfg.TLS.CAFile = caFile
	}
	if cfg.Policy.Mode == "" {
		cfg.Policy.Mode = policyMode
		if allowNames != "" {
			cfg.Policy.AllowedNames = strings.Split(allowNames, ",")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildTransport builds the transport configuration, generating a throwaway
// certificate in dev mode.
func buildTransport(cfg *config.Config, dev bool) (*transport.Config, error) {
	if dev && cfg.TLS.CertFile == "" {
		certificate, err := cert.GenerateSelfSigned("mux-server", "localhost")
		if err != nil {
			return nil, fmt.Errorf("failed to generate certificate: %w", err)
		}
		pol, err := cfg.BuildPolicy()
		if err != nil {
			return nil, err
		}
		return &transport.Config{
			Certificate:        certificate,
			Policy:             pol,
			InsecureSkipVerify: true,
		}, nil
	}
	if cfg.TLS.CertFile == "" {
		return nil, fmt.Errorf("a certificate is required (use -cert/-key or -dev)")
	}
	return cfg.BuildTransport()
}

// reportStats periodically logs the live connection count.
func reportStats(ctx context.Context, logger zerolog.Logger, registry *stats.Registry, label string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	path := stats.ConnectionsPath(label)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info().
				Str("path", strings.Join(path, "/")).
				Int64("connections", registry.Read(path...)).
				Msg("connection count")
		}
	}
}
