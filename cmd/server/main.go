// Package main runs the token observation server: a WebSocket hub that
// starts one observation session per received mint, plus an HTTP side
// server for health, metrics, status and the result document.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"token-watch/internal/config"
	"token-watch/internal/domain"
	"token-watch/internal/hub"
	"token-watch/internal/observability"
	"token-watch/internal/oracle"
	"token-watch/internal/session"
	"token-watch/internal/storage"
	chstore "token-watch/internal/storage/clickhouse"
	"token-watch/internal/storage/jsonfile"
	kafkastore "token-watch/internal/storage/kafka"
	"token-watch/internal/storage/memory"
	"token-watch/internal/storage/migrations"
	pgstore "token-watch/internal/storage/postgres"
	redisguard "token-watch/internal/storage/redis"
)

// Server holds the wired components.
type Server struct {
	cfg        config.Config
	hub        *hub.Hub
	dispatcher *session.Dispatcher
	records    storage.RecordReader
	started    time.Time
	logger     *log.Logger
}

func main() {
	// Load .env file if exists
	if err := config.LoadEnv(".env"); err != nil {
		log.Printf("warning: %v", err)
	}

	cfg := config.Default()
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile)
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	debugOut := io.Discard
	if cfg.Debug {
		debugOut = os.Stdout
	}
	debugLogger := func(prefix string) *log.Logger {
		return log.New(debugOut, prefix, log.LstdFlags|log.Lshortfile)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, records, cleanup, err := createStores(ctx, cfg, logger, debugLogger)
	if err != nil {
		logger.Fatalf("Failed to create stores: %v", err)
	}
	defer cleanup()

	priceCmd, err := oracle.ParseCommand(cfg.PriceCommand, cfg.PriceDir)
	if err != nil {
		logger.Fatalf("price command: %v", err)
	}
	liquidityCmd, err := oracle.ParseCommand(cfg.LiquidityCommand, cfg.LiquidityDir)
	if err != nil {
		logger.Fatalf("liquidity command: %v", err)
	}

	runner := oracle.NewExecRunner(cfg.OracleTimeout)
	oracleLogger := debugLogger("[oracle] ")
	observer := session.NewObserver(session.Options{
		Prices:        oracle.NewProcessPriceOracle(runner, priceCmd, oracleLogger),
		Valuator:      oracle.NewValuator(oracle.NewProcessLiquidityOracle(runner, liquidityCmd, oracleLogger), oracleLogger),
		Store:         store,
		ReferenceMint: cfg.ReferenceMint,
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    explicitZero(cfg.RetryDelay),
		PollDelay:     explicitZero(cfg.PollDelay),
		Window:        explicitZero(cfg.Window),
		Logger:        debugLogger("[session] "),
	})

	guard, closeGuard, err := createGuard(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to create session guard: %v", err)
	}
	defer closeGuard()

	dispatcher := session.NewDispatcher(ctx, session.DispatcherOptions{
		Runner: observer,
		Guard:  guard,
		OnDone: func(res *session.Result, err error) {
			if err != nil || res == nil {
				return
			}
			logger.Printf("session %s finished: %s", res.Mint, res.State)
		},
		Logger: debugLogger("[dispatch] "),
	})

	h := hub.New(hub.Options{
		Dispatcher:  dispatcher,
		RateLimit:   rate.Limit(cfg.RateLimit),
		RateBurst:   cfg.RateBurst,
		StrictMints: cfg.StrictMints,
		Logger:      debugLogger("[hub] "),
	})

	server := &Server{
		cfg:        cfg,
		hub:        h,
		dispatcher: dispatcher,
		records:    records,
		started:    time.Now(),
		logger:     logger,
	}

	// Interrupt broadcasts the stop message and exits without draining sessions.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, stopping", sig)
		h.Shutdown()
		os.Exit(0)
	}()

	go server.startHTTPServer(cfg.MetricsAddr)

	if cfg.StartupMint != "" {
		if err := dispatcher.Dispatch(cfg.StartupMint); err != nil {
			logger.Printf("startup mint %s: %v", cfg.StartupMint, err)
		}
	}

	logger.Printf("WebSocket server listening on %s", cfg.Addr())
	if err := http.ListenAndServe(cfg.Addr(), h); err != nil {
		logger.Fatalf("WebSocket server error: %v", err)
	}
}

// explicitZero maps a configured zero duration to the negative value the
// session package reads as "none" rather than "use the default".
func explicitZero(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

// createStores builds the primary record store and any configured mirrors.
func createStores(ctx context.Context, cfg config.Config, logger *log.Logger, debugLogger func(string) *log.Logger) (storage.RecordStore, storage.RecordReader, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var primary storage.RecordStore
	var reader storage.RecordReader
	if cfg.UseMemory {
		logger.Println("Using in-memory record store")
		mem := memory.NewRecordStore()
		primary, reader = mem, mem
	} else {
		doc, err := jsonfile.New(cfg.DataPath, jsonfile.Options{
			MaxRetries:  cfg.StoreRetries,
			BackoffBase: cfg.StoreBackoff,
			Logger:      debugLogger("[store] "),
		})
		if err != nil {
			return nil, nil, cleanup, err
		}
		closers = append(closers, func() { doc.Close() })
		logger.Printf("Writing records to %s", doc.Path())
		primary, reader = doc, doc
	}

	var mirrors []storage.Mirror

	if cfg.PostgresDSN != "" {
		pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			cleanup()
			return nil, nil, func() {}, err
		}
		closers = append(closers, pool.Close)
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			cleanup()
			return nil, nil, func() {}, err
		}
		mirrors = append(mirrors, storage.Mirror{Name: "postgres", Store: pgstore.NewRecordStore(pool)})
		logger.Println("Mirroring records to PostgreSQL")
	}

	if cfg.ClickhouseDSN != "" {
		conn, err := chstore.NewConn(ctx, cfg.ClickhouseDSN)
		if err != nil {
			cleanup()
			return nil, nil, func() {}, err
		}
		closers = append(closers, func() { conn.Close() })
		if err := migrations.RunClickhouseMigrations(ctx, conn); err != nil {
			cleanup()
			return nil, nil, func() {}, err
		}
		mirrors = append(mirrors, storage.Mirror{Name: "clickhouse", Store: chstore.NewPriceSampleStore(conn)})
		logger.Println("Mirroring price samples to ClickHouse")
	}

	if brokers := kafkastore.ParseBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		pub, err := kafkastore.NewPublisher(kafkastore.Options{
			Brokers: brokers,
			Topic:   cfg.KafkaTopic,
			Logger:  debugLogger("[kafka] "),
		})
		if err != nil {
			cleanup()
			return nil, nil, func() {}, err
		}
		closers = append(closers, func() { pub.Close() })
		mirrors = append(mirrors, storage.Mirror{Name: "kafka", Store: pub})
		logger.Printf("Publishing records to Kafka topic %s", cfg.KafkaTopic)
	}

	if len(mirrors) == 0 {
		return primary, reader, cleanup, nil
	}
	return storage.NewFanout(primary, mirrors, logger), reader, cleanup, nil
}

// createGuard returns the same-mint guard for cfg.Dedup, or nil for no policy.
func createGuard(ctx context.Context, cfg config.Config, logger *log.Logger) (session.Guard, func(), error) {
	if cfg.Dedup != config.DedupSkip {
		return nil, func() {}, nil
	}
	if cfg.RedisURL == "" {
		logger.Println("Same-mint sessions skipped (in-process guard)")
		return session.NewMemoryGuard(), func() {}, nil
	}

	client, err := redisguard.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, func() {}, err
	}
	logger.Println("Same-mint sessions skipped (Redis guard)")
	return redisguard.NewGuard(client, 0, logger), func() { client.Close() }, nil
}

// startHTTPServer starts the HTTP server for health/metrics/status/records.
func (s *Server) startHTTPServer(addr string) {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Prometheus metrics
	mux.Handle("/metrics", observability.Handler())

	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/records", s.handleRecords)

	s.logger.Printf("Starting HTTP server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		s.logger.Printf("HTTP server error: %v", err)
	}
}

// StatusResponse is the JSON response for /status endpoint.
type StatusResponse struct {
	Status           string    `json:"status"`
	Uptime           string    `json:"uptime"`
	Started          time.Time `json:"started"`
	ConnectedClients int       `json:"connected_clients"`
	InFlightSessions int64     `json:"in_flight_sessions"`
	SessionsStarted  int64     `json:"sessions_started"`
	Dedup            string    `json:"dedup"`
}

// handleStatus returns server status as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:           "running",
		Uptime:           time.Since(s.started).Round(time.Second).String(),
		Started:          s.started,
		ConnectedClients: s.hub.ClientCount(),
		InFlightSessions: s.dispatcher.InFlight(),
		SessionsStarted:  s.dispatcher.Started(),
		Dedup:            s.cfg.Dedup,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleRecords returns the current result document.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.records.Records(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*domain.TokenRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}
