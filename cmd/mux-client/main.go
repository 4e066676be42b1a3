// Command mux-client connects to a mux server and issues query exchanges.
//
// In one-shot mode (-query) the client sends a single query and prints the
// reply. Without -query it starts an interactive prompt with reconnection
// backoff.
//
// Usage:
//
//	mux-client [flags]
//
// Flags:
//
//	-config string      Configuration file path (YAML)
//	-addr string        Server address (default "localhost:9443")
//	-label string       Accounting label for connection gauges (default "client")
//	-cert string        Client certificate file (PEM)
//	-key string         Client private key file (PEM)
//	-ca string          CA certificate for server chain verification (PEM)
//	-policy string      Validation policy: accept, reject, allow-names, chain-trust (default "accept")
//	-allow string       Comma-separated server names for -policy allow-names
//	-dev                Generate a throwaway self-signed certificate and skip chain verification
//	-query string       One-shot query to send (skips interactive mode)
//	-timeout duration   Per-call timeout (default 30s)
//	-log-level string   Log level: debug, info, warn, error (default "info")
//
// Examples:
//
//	# One-shot query against a development server
//	mux-client -dev -addr localhost:9443 -query hello
//
//	# Interactive session with mutual chain trust
//	mux-client -cert client.pem -key client.key -ca ca.pem -policy chain-trust
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"

	"github.com/Ceponce/finagle/pkg/backoff"
	"github.com/Ceponce/finagle/pkg/cert"
	"github.com/Ceponce/finagle/pkg/config"
	"github.com/Ceponce/finagle/pkg/log"
	"github.com/Ceponce/finagle/pkg/rpc"
	"github.com/Ceponce/finagle/pkg/session"
	"github.com/Ceponce/finagle/pkg/stats"
	"github.com/Ceponce/finagle/pkg/transport"
)

func main() {
	var (
		configFile string
		addr       string
		label      string
		certFile   string
		keyFile    string
		caFile     string
		policyMode string
		allowNames string
		dev        bool
		query      string
		timeout    time.Duration
		logLevel   string
	)

	flag.StringVar(&configFile, "config", "", "Configuration file path (YAML)")
	flag.StringVar(&addr, "addr", fmt.Sprintf("localhost:%d", transport.DefaultPort), "Server address")
	flag.StringVar(&label, "label", "client", "Accounting label for connection gauges")
	flag.StringVar(&certFile, "cert", "", "Client certificate file (PEM)")
	flag.StringVar(&keyFile, "key", "", "Client private key file (PEM)")
	flag.StringVar(&caFile, "ca", "", "CA certificate for server chain verification (PEM)")
	flag.StringVar(&policyMode, "policy", config.PolicyAccept, "Validation policy: accept, reject, allow-names, chain-trust")
	flag.StringVar(&allowNames, "allow", "", "Comma-separated server names for -policy allow-names")
	flag.BoolVar(&dev, "dev", false, "Generate a throwaway self-signed certificate and skip chain verification")
	flag.StringVar(&query, "query", "", "One-shot query to send (skips interactive mode)")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "Per-call timeout")
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	logger := setupLogging("mux-client", logLevel)

	cfg, err := loadConfig(configFile, addr, label, certFile, keyFile, caFile, policyMode, allowNames)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	tlsConf, err := buildTransport(cfg, dev)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build transport config")
	}

	registry := stats.NewRegistry()
	clientCfg := rpc.ClientConfig{
		TLS:         tlsConf,
		Label:       cfg.Label,
		Stats:       registry,
		Logger:      log.NewZerologAdapter(logger),
		CallTimeout: timeout,
		KeepAlive:   &session.KeepAliveConfig{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if query != "" {
		if err := runOnce(ctx, cfg.Address, clientCfg, query); err != nil {
			logger.Fatal().Err(err).Msg("query failed")
		}
		return
	}

	runInteractive(ctx, cancel, logger, cfg.Address, clientCfg, registry)
}

// runOnce dials, sends one query, prints the reply and closes.
func runOnce(ctx context.Context, addr string, cfg rpc.ClientConfig, query string) error {
	client, err := rpc.Dial(ctx, addr, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	reply, err := client.Query(ctx, query)
	if err != nil {
		return err
	}
	fmt.Println(reply)
	return nil
}

// runInteractive runs the readline prompt with reconnection backoff.
func runInteractive(ctx context.Context, cancel context.CancelFunc, logger zerolog.Logger, addr string, cfg rpc.ClientConfig, registry *stats.Registry) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "mux> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create readline")
	}
	defer rl.Close()

	// Route log output through readline so it does not clobber the prompt.
	logger = logger.Output(zerolog.ConsoleWriter{Out: rl.Stdout(), TimeFormat: time.RFC3339})

	client := connectWithBackoff(ctx, logger, addr, cfg)
	if client == nil {
		return
	}

	printHelp(rl)

	for {
		select {
		case <-ctx.Done():
			client.Close()
			return
		case <-client.Done():
			logger.Warn().Msg("connection lost, reconnecting")
			client = connectWithBackoff(ctx, logger, addr, cfg)
			if client == nil {
				return
			}
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(rl.Stdout(), "Exiting...")
			client.Close()
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			printHelp(rl)

		case "query", "q":
			if len(args) == 0 {
				fmt.Fprintln(rl.Stdout(), "Usage: query <text>")
				continue
			}
			reply, err := client.Query(ctx, strings.Join(args, " "))
			if err != nil {
				fmt.Fprintf(rl.Stdout(), "Error: %v\n", err)
				continue
			}
			fmt.Fprintln(rl.Stdout(), reply)

		case "call", "c":
			if len(args) < 1 {
				fmt.Fprintln(rl.Stdout(), "Usage: call <method> [payload]")
				continue
			}
			var payload []byte
			if len(args) > 1 {
				payload = []byte(strings.Join(args[1:], " "))
			}
			reply, err := client.Call(ctx, args[0], payload)
			if err != nil {
				fmt.Fprintf(rl.Stdout(), "Error: %v\n", err)
				continue
			}
			fmt.Fprintf(rl.Stdout(), "%s\n", reply)

		case "status", "s":
			path := stats.ConnectionsPath(cfg.Label)
			fmt.Fprintf(rl.Stdout(), "  Connection ID: %s\n", client.ConnID())
			fmt.Fprintf(rl.Stdout(), "  Remote:        %s\n", client.RemoteAddr())
			fmt.Fprintf(rl.Stdout(), "  Live (%s):     %d\n", strings.Join(path, "/"), registry.Read(path...))

		case "quit", "exit":
			fmt.Fprintln(rl.Stdout(), "Exiting...")
			client.Close()
			cancel()
			return

		default:
			fmt.Fprintf(rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

// connectWithBackoff dials until a connection is established or the context
// is cancelled.
func connectWithBackoff(ctx context.Context, logger zerolog.Logger, addr string, cfg rpc.ClientConfig) *rpc.Client {
	bo := backoff.New()
	for {
		client, err := rpc.Dial(ctx, addr, cfg)
		if err == nil {
			logger.Info().Str("addr", addr).Str("conn_id", client.ConnID()).Msg("connected")
			return client
		}

		if kind, ok := transport.KindOf(err); ok {
			logger.Warn().Str("kind", kind.String()).Err(err).Msg("handshake failed")
		} else {
			logger.Warn().Err(err).Msg("dial failed")
		}

		delay := bo.Next()
		logger.Info().Dur("delay", delay).Int("attempts", bo.Attempts()).Msg("retrying")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func printHelp(rl *readline.Instance) {
	fmt.Fprintln(rl.Stdout(), `
Commands:
  query <text>          - Send a query exchange and print the reply
  call <method> [data]  - Send a raw exchange to a method
  status                - Show connection info and live gauge value
  help                  - Show this help
  quit                  - Exit`)
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
func loadConfig(configFile, addr, label, certFile, keyFile, caFile, policyMode, allowNames string) (*config.Config, error) {
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
		cfg.Address = addr
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
		certificate, err := cert.GenerateSelfSigned("mux-client")
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
