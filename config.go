package main

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"

	"github.com/attestry/registry-api/models"
	"github.com/ethereum/go-ethereum/common"
)

// Application configuration.
type config struct {
	ListenAddr      string
	DBPath          string
	Admins          []models.Identity
	AttestationMode string
	JWTKeysPath     string
	ActivityFeedURL string
	AllowedOrigins  []string
	Debug           bool
}

// Parse command-line arguments.
// Returns a config struct with the parsed arguments.
func parseArguments() (config, error) {
	addr := flag.String("addr", "0.0.0.0:8080", "Address on which to listen to HTTP requests")
	dbPath := flag.String("db-path", "db.sqlite3", "sqlite3 database path")
	admins := flag.String("admins", "", "Comma-separated list of admin addresses")
	attestationMode := flag.String("attestation", "secp", "Attestation verification mode: secp or jwt")
	jwtKeysPath := flag.String("jwt-keys", "", "Path to a JSON file mapping attester addresses to base64 HS256 keys")
	activityFeedURL := flag.String("activity-feed-url", "", "URL for an activity feed to sync heartbeats from (optional)")
	allowedOrigins := flag.String("allowed-origins", "*", "Comma-separated list of allowed CORS origins")
	debug := flag.Bool("debug", false, "Whether to enable verbose logging")
	flag.Parse()

	if *admins == "" {
		return config{}, errors.New("invalid -admins argument: at least one admin address is required")
	}
	adminList := make([]models.Identity, 0)
	for _, a := range strings.Split(*admins, ",") {
		a = strings.TrimSpace(a)
		if !common.IsHexAddress(a) {
			return config{}, fmt.Errorf("invalid -admins argument: '%s' is not an address", a)
		}
		adminList = append(adminList, common.HexToAddress(a))
	}

	switch *attestationMode {
	case "secp":
		if *jwtKeysPath != "" {
			return config{}, errors.New("-jwt-keys is only valid with -attestation jwt")
		}
	case "jwt":
		if *jwtKeysPath == "" {
			return config{}, errors.New("invalid -jwt-keys argument: required with -attestation jwt")
		}
	default:
		return config{}, fmt.Errorf("invalid -attestation argument: '%s'", *attestationMode)
	}

	if *activityFeedURL != "" {
		if url, err := url.Parse(*activityFeedURL); err != nil {
			return config{}, fmt.Errorf("invalid -activity-feed-url argument: %v", err)
		} else if url.Scheme != "http" && url.Scheme != "https" {
			return config{}, fmt.Errorf("invalid -activity-feed-url argument: invalid scheme '%s'", url.Scheme)
		}
	}

	return config{
		ListenAddr:      *addr,
		DBPath:          *dbPath,
		Admins:          adminList,
		AttestationMode: *attestationMode,
		JWTKeysPath:     *jwtKeysPath,
		ActivityFeedURL: *activityFeedURL,
		AllowedOrigins:  strings.Split(*allowedOrigins, ","),
		Debug:           *debug,
	}, nil
}
