package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/attestry/registry-api/api"
	"github.com/attestry/registry-api/attestation"
	"github.com/attestry/registry-api/database"
	"github.com/attestry/registry-api/models"
	"github.com/attestry/registry-api/services"
	"github.com/attestry/registry-api/tasks"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"

	"go.uber.org/zap"
)

func waitForTermination() {
	// Trap termination signals
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	// Block until a signal is received.
	<-c

	// Allow subsequent termination signals to quickly shut down by removing the trap.
	signal.Reset()
	close(c)
}

var logger *zap.Logger

// Logger initialization.
func initLogger(debug bool) error {
	var cfg zap.Config
	var err error

	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	logger, err = cfg.Build()
	return err
}

// loadJWTKeys reads a JSON file mapping attester addresses to base64
// HS256 keys.
func loadJWTKeys(path string) (map[models.Identity][]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries map[string]string
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	keys := make(map[models.Identity][]byte, len(entries))
	for addr, b64 := range entries {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("'%s' is not an attester address", addr)
		}
		key, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("invalid key for attester %s: %v", addr, err)
		}
		keys[common.HexToAddress(addr)] = key
	}
	return keys, nil
}

func main() {
	var cfg config
	var err error

	// Parse command line arguments.
	if cfg, err = parseArguments(); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing command-line arguments: %v\n", err)
		os.Exit(1)
	}

	// Initialize the logger.
	if err := initLogger(cfg.Debug); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}

	// Connect to the database and initialize the database schema, if necessary.
	var db *sql.DB
	db, err = database.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("Unable to open the database connection", zap.Error(err))
	}
	defer db.Close()

	// Build the attestation verifier. Secp verification is self-contained;
	// JWT verification needs the per-attester key set.
	var verifier attestation.Verifier
	switch cfg.AttestationMode {
	case "jwt":
		keys, err := loadJWTKeys(cfg.JWTKeysPath)
		if err != nil {
			logger.Fatal("Unable to load JWT attester keys", zap.Error(err))
		}
		verifier = attestation.NewJWTVerifier(attestation.DefaultSchema, keys)
	default:
		verifier = attestation.NewSecpVerifier(attestation.DefaultSchema)
	}

	// Clock
	clock := clockwork.NewRealClock()

	// Services contain the business logic and are used by the API handlers.
	svcCfg := &services.ServiceConfig{
		DB:       db,
		Verifier: verifier,
		Admins:   cfg.Admins,
		Logger:   logger,
		Clock:    clock,
	}
	svc := services.NewService(svcCfg)
	if err := svc.Init(); err != nil {
		logger.Fatal("Unable to initialize the service layer", zap.Error(err))
	}

	// Background task to sync holder activity from an external feed.
	var syncActivity *tasks.SyncActivityTask
	if cfg.ActivityFeedURL != "" {
		seen := models.NewActivityRegistry()
		syncActivity = tasks.NewSyncActivityTask(cfg.ActivityFeedURL, svc, seen, logger)
		go syncActivity.Run()
	}

	// Create the API router.
	path := "/registry/v1/"
	router := api.NewAPIRouter(path, svc, cfg.AllowedOrigins, clock, logger)
	http.Handle(path, router)
	http.Handle("/metrics", svc.MetricsHandler())

	// Listen on the provided address. This listener will be used by the HTTP server.
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to listen on provided address %s\n%v\n", cfg.ListenAddr, err)
		os.Exit(1)
	}

	// Spin up the HTTP server on a different goroutine, since it blocks.
	server := http.Server{}
	var serverWaitGroup sync.WaitGroup
	serverWaitGroup.Add(1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("url", cfg.ListenAddr))
		if err := server.Serve(listener); err != nil {
			logger.Error("HTTP server stopped", zap.Error(err))
		}
		serverWaitGroup.Done()
	}()

	waitForTermination()

	// Shut down gracefully
	logger.Info("Received termination signal, shutting down...")
	_ = server.Shutdown(context.Background())
	listener.Close()

	// Wait for the listener/server to exit
	serverWaitGroup.Wait()

	// Shut down the service layer
	svc.Deinit()

	// Stop the background tasks
	if syncActivity != nil {
		if err = syncActivity.Stop(); err != nil {
			logger.Error("Error stopping background tasks", zap.Error(err))
		}
	}

	logger.Info("Shutdown complete")

	_ = logger.Sync()
}
