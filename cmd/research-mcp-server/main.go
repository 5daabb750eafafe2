// Command research-mcp-server serves the web/academic/patent research MCP
// tool set (search, scrape, transcript, sequential planning) over stdio or
// HTTP+SSE, grounded in the teacher's cmd/skyline entry point: the same
// construct-everything-in-main, then branch-on-transport shape, collapsed
// down from the teacher's four gateway-specific binaries to the one entry
// point this server needs.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/zoharbabin/google-research-mcp/internal/audit"
	"github.com/zoharbabin/google-research-mcp/internal/cache"
	"github.com/zoharbabin/google-research-mcp/internal/circuitbreaker"
	"github.com/zoharbabin/google-research-mcp/internal/config"
	"github.com/zoharbabin/google-research-mcp/internal/eventstore"
	"github.com/zoharbabin/google-research-mcp/internal/logging"
	"github.com/zoharbabin/google-research-mcp/internal/mcpserver"
	"github.com/zoharbabin/google-research-mcp/internal/metrics"
	"github.com/zoharbabin/google-research-mcp/internal/oauth"
	"github.com/zoharbabin/google-research-mcp/internal/ratelimit"
	"github.com/zoharbabin/google-research-mcp/internal/redact"
	"github.com/zoharbabin/google-research-mcp/internal/research"
	"github.com/zoharbabin/google-research-mcp/internal/session"
	"github.com/zoharbabin/google-research-mcp/internal/tools"
	"github.com/zoharbabin/google-research-mcp/internal/transport/httpsse"
	"github.com/zoharbabin/google-research-mcp/internal/transport/stdio"
	"github.com/zoharbabin/google-research-mcp/internal/urlvalidator"
)

const (
	serverName = "google-research-mcp"
	version    = "0.1.0"
)

func main() {
	flags := parseFlags(os.Args[1:])

	redactor := redact.NewRedactor()
	logger := logging.SetupWriter(redactor.Writer(os.Stderr), flags.logFormat, flags.logLevel)

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		logger.Error("configuration error", "error", err)
		os.Exit(1)
	}
	redactor.AddSecrets(cfg.Secrets())

	breakers := circuitbreaker.NewRegistry(5, 30*time.Second)

	c, err := cache.New(cache.Config{
		StoragePath: cfg.CacheStoragePath,
		DefaultTTL:  cfg.CacheDefaultTTL,
		MaxEntries:  cfg.CacheMaxSize,
	}, logger)
	if err != nil {
		logger.Error("cache init failed", "error", err)
		os.Exit(2)
	}

	auditLogger, err := audit.NewLogger(filepath.Join(os.TempDir(), "research-mcp-audit.db"))
	if err != nil {
		logger.Error("audit log init failed", "error", err)
		os.Exit(2)
	}

	events := eventstore.New(eventstore.Config{
		StoragePath: cfg.EventStoreStoragePath,
		TTL:         cfg.EventStoreTTL,
	}, logger, eventstore.WithAuditSink(auditLogger))

	httpClient := &http.Client{Timeout: 30 * time.Second}
	urlValidator := urlvalidator.New(urlvalidator.Config{AllowPrivateIPs: cfg.AllowPrivateIPs}, nil)

	scraper := research.NewHTTPScraper(httpClient, urlValidator, nil, logger)
	transcripts := research.NewYouTubeTranscriptFetcher(httpClient)

	var searchClient research.SearchClient
	if cfg.GoogleSearchEnabled() {
		searchClient = research.NewGoogleSearchClient(cfg.GoogleSearchAPIKey, cfg.GoogleSearchID, httpClient)
	} else {
		logger.Warn("google_search/search_and_scrape disabled: GOOGLE_CUSTOM_SEARCH_API_KEY/_ID not set")
	}

	academicClient, err := research.NewArxivSearchClient(httpClient)
	if err != nil {
		logger.Error("arxiv client init failed", "error", err)
		os.Exit(2)
	}
	patentClient, err := research.NewPatentsViewClient(httpClient)
	if err != nil {
		logger.Error("patentsview client init failed", "error", err)
		os.Exit(2)
	}

	tracker := tools.NewSequentialTracker()
	registry := tools.NewRegistry()
	if err := tools.Register(registry, tools.Clients{
		Scraper:     scraper,
		Search:      searchClient,
		Academic:    academicClient,
		Patent:      patentClient,
		Transcripts: transcripts,
		Tracker:     tracker,
		Breakers:    breakers,
	}); err != nil {
		logger.Error("tool registration failed", "error", err)
		os.Exit(2)
	}

	dispatcher := tools.NewDispatcher(registry, c, breakers, logger)
	collector := metrics.NewCollector()

	transportMode := flags.transport
	if transportMode == "" {
		if os.Getenv("MCP_TEST_MODE") == "stdio" || stdoutIsPipe() {
			transportMode = "stdio"
		} else {
			transportMode = "http"
		}
	}

	enforceScope := transportMode == "http"

	// Only the HTTP transport tears sessions down explicitly (DELETE) or by
	// idle sweep; stdio serves one implicit session for the process
	// lifetime and has no Manager of its own. Forget reaps the sequential
	// tracker's per-session state in step with whichever lifecycle applies.
	var sessions *session.Manager
	if transportMode == "http" {
		sessions = session.NewManager(session.Config{
			IdleTimeout: 30 * time.Minute,
			OnEvict:     tracker.Forget,
		})
	}

	handler := mcpserver.New(registry, dispatcher, serverName, version, enforceScope, collector, auditLogger, tracker, sessions, logger)

	cleanup := func() {
		events.Close()
		if err := c.Close(); err != nil {
			logger.Error("cache close failed", "error", err)
		}
		if err := auditLogger.Close(); err != nil {
			logger.Error("audit log close failed", "error", err)
		}
	}

	switch transportMode {
	case "stdio":
		runStdio(handler, logger, cleanup)
	case "http":
		runHTTP(cfg, handler, sessions, events, c, collector, auditLogger, httpClient, logger, cleanup)
	default:
		logger.Error("unknown transport", "transport", transportMode)
		os.Exit(1)
	}
}

// stdoutIsPipe reports whether stdout is not an interactive terminal (spec
// §6: "Defaults to stdio transport when stdout is a pipe").
func stdoutIsPipe() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) == 0
}

// runStdio serves one implicit session for the process lifetime until
// stdin is exhausted or a signal arrives.
func runStdio(handler *mcpserver.Handler, logger *slog.Logger, cleanup func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		<-sigCh
		logger.Info("stdio transport received shutdown signal")
		cancel()
	}()

	srv := stdio.New(handler, session.NewSessionID(), logger)
	serveErr := srv.Serve(ctx, os.Stdin, os.Stdout)
	cancel()
	cleanup()

	if serveErr != nil {
		logger.Error("stdio serve error", "error", serveErr)
		os.Exit(2)
	}
}

// runHTTP starts the HTTP+SSE transport and admin surface on cfg.Port,
// blocking until a shutdown signal is received.
func runHTTP(cfg *config.Config, handler *mcpserver.Handler, sessions *session.Manager, events *eventstore.Store, c *cache.Cache, collector *metrics.Collector, auditLogger *audit.Logger, httpClient *http.Client, logger *slog.Logger, cleanup func()) {
	limiters := ratelimit.NewRegistry(60, 1000, 10000)

	var validator *oauth.Validator
	if cfg.OAuthEnabled() {
		validator = oauth.NewValidator(oauth.ValidatorConfig{
			JWKSURL:        cfg.OAuthIssuerURL + "/.well-known/jwks.json",
			JWKSTTL:        10 * time.Minute,
			ExpectedIssuer: cfg.OAuthIssuerURL,
			ExpectedAud:    cfg.OAuthAudience,
			RequireHTTPS:   cfg.EnforceHTTPS,
		}, httpClient, logger)
	} else {
		logger.Warn("OAuth disabled: OAUTH_ISSUER_URL not set, running in local/dev mode")
	}
	store := oauth.NewStore()

	srv := httpsse.New(httpsse.Config{
		ServerName:     serverName,
		Version:        version,
		AllowedOrigins: cfg.AllowedOrigins,
		EnforceHTTPS:   cfg.EnforceHTTPS,
		OAuthIssuer:    cfg.OAuthIssuerURL,
		OAuthAudience:  cfg.OAuthAudience,
		AdminKey:       cfg.CacheAdminKey,
	}, handler, sessions, events, c, validator, store, limiters, collector, auditLogger, logger)

	port := cfg.Port
	if port <= 0 {
		port = 3000
	}
	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: srv.Handler(),
	}

	go func() {
		logger.Info("http transport listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	shutdownOnSignal([]*http.Server{httpServer}, func() {
		sessions.Close()
		cleanup()
	})
}

