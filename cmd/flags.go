package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/teemow/draftsender/internal/config"
)

// registerConfigFlags adds the flags that override environment configuration.
// Defaults are empty: a flag only takes effect when it is given.
func registerConfigFlags(fs *pflag.FlagSet) {
	fs.String("delegated-user", "", "Workspace user to send as when a record names no sender. Can also use GMAIL_USER env var.")
	fs.String("service-account", "", "Service account with domain-wide delegation. Can also use GOOGLE_SERVICE_ACCOUNT_EMAIL env var.")
	fs.String("tracking-base-url", "", "Public base URL of the open-tracking endpoint. Can also use TRACKING_BASE_URL env var.")
	fs.Bool("tracking", false, "Add a tracking pixel to sent mail. Can also use TRACKING_ENABLED env var.")
	fs.String("project", "", "GCP project of the Firestore database. Can also use GCP_PROJECT_ID env var.")
	fs.String("store", "", "Document store backend: firestore or memory. Can also use STORE_BACKEND env var.")
	fs.Int("port", 0, "HTTP port of the API server. Can also use PORT env var.")
	fs.String("metrics-addr", "", "Metrics server address, empty disables. Can also use METRICS_ADDR env var.")
	fs.String("log-level", "", "Log level: debug, info, warn or error. Can also use LOG_LEVEL env var.")
	fs.String("log-format", "", "Log format: json or text. Can also use LOG_FORMAT env var.")
}

// applyConfigFlags overrides cfg with the flags that were set explicitly.
func applyConfigFlags(fs *pflag.FlagSet, cfg *config.Config, lookupEnv func(string) (string, bool)) error {
	var err error
	str := func(name string, dst *string) {
		if err != nil || !fs.Changed(name) {
			return
		}
		var v string
		if v, err = fs.GetString(name); err == nil {
			*dst = strings.TrimSpace(v)
		}
	}

	str("delegated-user", &cfg.DelegatedUser)
	str("service-account", &cfg.ServiceAccountEmail)
	str("tracking-base-url", &cfg.TrackingBaseURL)
	str("project", &cfg.ProjectID)
	str("store", &cfg.StoreBackend)
	str("metrics-addr", &cfg.MetricsAddr)
	str("log-level", &cfg.LogLevel)
	str("log-format", &cfg.LogFormat)
	if err != nil {
		return err
	}

	cfg.TrackingBaseURL = strings.TrimRight(cfg.TrackingBaseURL, "/")
	cfg.StoreBackend = strings.ToLower(cfg.StoreBackend)

	switch {
	case fs.Changed("tracking"):
		if cfg.TrackingEnabled, err = fs.GetBool("tracking"); err != nil {
			return err
		}
	case fs.Changed("tracking-base-url"):
		// A base URL given on the command line turns tracking on unless
		// the environment decided explicitly.
		if _, ok := lookupEnv("TRACKING_ENABLED"); !ok {
			cfg.TrackingEnabled = cfg.TrackingBaseURL != ""
		}
	}

	if fs.Changed("port") {
		if cfg.Port, err = fs.GetInt("port"); err != nil {
			return err
		}
	}
	return nil
}

// loadConfig builds and validates the configuration for cmd.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if err := applyConfigFlags(cmd.Flags(), &cfg, os.LookupEnv); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
