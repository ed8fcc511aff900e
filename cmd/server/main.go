package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/api/rest"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/api/rest/middleware"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/config"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/observability"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/results"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	// Parse command-line flags
	var (
		showVersion = flag.Bool("version", false, "show version and exit")
		showHelp    = flag.Bool("help", false, "show help and exit")
		configFile  = flag.String("config", "", "path to configuration file (optional)")
		host        = flag.String("host", "", "server host (overrides config/env)")
		port        = flag.Int("port", 0, "server port (overrides config/env)")
		runDir      = flag.String("run-dir", "", "results directory to serve (overrides config/env)")
		cors        = flag.String("cors", "", "comma-separated allowed CORS origins, * for any")
		issueToken  = flag.String("issue-token", "", "print a bearer token for this subject and exit")
		scopes      = flag.String("scopes", middleware.ScopeAllResults, "comma-separated scopes of the issued token, e.g. results:fid,results:kid")
		tokenTTL    = flag.Duration("token-ttl", 0, "lifetime of the issued token (0 never expires)")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("synthmetrics results server v%s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	if *showHelp {
		showUsage()
		os.Exit(0)
	}

	cfg, err := config.LoadServer(*configFile)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *runDir != "" {
		cfg.Run.RunDir = *runDir
	}

	if *issueToken != "" {
		if cfg.Server.JWTSecret == "" {
			log.Fatalf("Cannot issue a token: set server.jwt_secret or SYNTHMETRICS_JWT_SECRET")
		}
		token, err := middleware.GenerateToken(*issueToken, splitList(*scopes), cfg.Server.JWTSecret, *tokenTTL)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		os.Exit(0)
	}

	level, err := observability.ParseLogLevel(cfg.Run.LogLevel)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger := observability.NewLogger(level, os.Stderr).WithField("service", "synthmetrics-server")

	// Open the results log; the sqlite index answers queries when enabled.
	resultsLog, err := results.Open(cfg.Run.RunDir, results.Options{SQLite: cfg.Results.SQLite, Logger: logger})
	if err != nil {
		log.Fatalf("Failed to open results in %s: %v", cfg.Run.RunDir, err)
	}
	defer resultsLog.Close()
	var store results.Store = resultsLog
	if idx := resultsLog.Index(); idx != nil {
		store = idx
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	server := rest.NewServer(serverConfig(cfg, *cors), store, logger, metrics, reg)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	printStartupInfo(cfg)

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}

	log.Println("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Server stopped.")
}

func serverConfig(cfg *config.Config, cors string) rest.Config {
	sc := cfg.Server
	out := rest.Config{
		Host:           sc.Host,
		Port:           sc.Port,
		RequestTimeout: sc.RequestTimeout,
		Auth: middleware.AuthConfig{
			Enabled:   sc.AuthEnabled,
			JWTSecret: sc.JWTSecret,
		},
		RateLimit: middleware.RateLimitConfig{
			Enabled:        sc.RateLimit > 0,
			RequestsPerSec: sc.RateLimit,
			Burst:          sc.RateBurst,
			PerUser:        sc.AuthEnabled,
		},
	}
	if cors != "" {
		out.CORSEnabled = true
		out.CORSOrigins = splitList(cors)
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func printStartupInfo(cfg *config.Config) {
	fmt.Println("\n╔════════════════════════════════════════════════════════╗")
	fmt.Println("║               Results API Server                       ║")
	fmt.Println("╠════════════════════════════════════════════════════════╣")
	fmt.Printf("║ Address:          %-36s ║\n", cfg.Server.Address())
	fmt.Printf("║ Results:          %-36s ║\n", cfg.Run.RunDir)
	fmt.Printf("║ SQLite index:     %-36v ║\n", cfg.Results.SQLite)
	fmt.Printf("║ Auth enabled:     %-36v ║\n", cfg.Server.AuthEnabled)
	fmt.Printf("║ Rate limit:       %-36v ║\n", cfg.Server.RateLimit)
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
}

func showUsage() {
	fmt.Println("synthmetrics results server - serves metric results and Prometheus metrics")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  synthmetrics-server [options]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -help             Show this help message")
	fmt.Println("  -version          Show version information")
	fmt.Println("  -config PATH      Path to YAML configuration file")
	fmt.Println("  -host HOST        Server host (default: 0.0.0.0)")
	fmt.Println("  -port PORT        Server port (default: 8080)")
	fmt.Println("  -run-dir DIR      Results directory to serve")
	fmt.Println("  -cors ORIGINS     Allowed CORS origins")
	fmt.Println("  -issue-token SUB  Print a bearer token for SUB and exit")
	fmt.Println("  -scopes LIST      Scopes of the issued token (default results:*)")
	fmt.Println("  -token-ttl DUR    Lifetime of the issued token (default never expires)")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  SYNTHMETRICS_RUN_DIR         Results directory")
	fmt.Println("  SYNTHMETRICS_HOST            Server host")
	fmt.Println("  SYNTHMETRICS_PORT            Server port")
	fmt.Println("  SYNTHMETRICS_JWT_SECRET      Enables bearer auth with this HS256 secret")
	fmt.Println()
	fmt.Println("Endpoints:")
	fmt.Println("  GET /v1/health")
	fmt.Println("  GET /v1/metrics")
	fmt.Println("  GET /v1/results[/{metric}]?run_id=&status=&limit=")
	fmt.Println("  GET /v1/runs/{run_id}")
	fmt.Println()
	fmt.Println("Scopes: results:<metric> reads one metric, results:* reads every metric and run")
	fmt.Println("  GET /metrics")
	fmt.Println()
}
