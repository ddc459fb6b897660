package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/mail"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/teemow/draftsender/internal/model"
)

// Store backends.
const (
	StoreFirestore = "firestore"
	StoreMemory    = "memory"
)

// Defaults.
const (
	DefaultPixelEndpoint   = "/pixel.png"
	DefaultPort            = 8080
	DefaultMetricsAddr     = ":9090"
	DefaultEnvironment     = "production"
	DefaultShutdownTimeout = 15 * time.Second
)

// Config is the complete runtime configuration. It is built once at startup
// and passed by value into the constructors that need it.
type Config struct {
	// DelegatedUser is the Workspace user mail is sent as.
	DelegatedUser string
	// ServiceAccountEmail is the service account with domain-wide delegation.
	ServiceAccountEmail string

	TrackingBaseURL       string
	TrackingPixelEndpoint string
	TrackingEnabled       bool

	DraftsCollection    string
	FollowupsCollection string
	OpensCollection     string
	ResendsCollection   string

	ProjectID    string
	StoreBackend string

	SignatureHTML       string
	FetchGmailSignature bool

	// GmailScopes are requested for delegated tokens. Nil means the
	// exchanger's defaults.
	GmailScopes []string

	Port            int
	Environment     string
	Debug           bool
	LogLevel        string
	LogFormat       string
	MetricsAddr     string
	ShutdownTimeout time.Duration

	// Endpoint overrides, empty in production.
	GmailEndpoint string
	IAMEndpoint   string
	TokenURL      string
}

// Load reads an optional .env file from the working directory and builds the
// configuration from the process environment. Variables already set in the
// environment win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to read .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds the configuration from lookup.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	env := envReader{lookup: lookup}

	cfg := Config{
		DelegatedUser:         env.str("GMAIL_USER", ""),
		ServiceAccountEmail:   env.str("GOOGLE_SERVICE_ACCOUNT_EMAIL", ""),
		TrackingBaseURL:       strings.TrimRight(env.str("TRACKING_BASE_URL", ""), "/"),
		TrackingPixelEndpoint: env.str("TRACKING_PIXEL_ENDPOINT", DefaultPixelEndpoint),
		DraftsCollection:      env.str("FIRESTORE_DRAFTS_COLLECTION", model.DraftsCollection),
		FollowupsCollection:   env.str("FIRESTORE_FOLLOWUPS_COLLECTION", model.FollowupsCollection),
		OpensCollection:       env.str("FIRESTORE_PIXEL_OPENS_COLLECTION", model.OpensCollection),
		ProjectID:             env.str("GCP_PROJECT_ID", env.str("GOOGLE_CLOUD_PROJECT", "")),
		StoreBackend:          strings.ToLower(env.str("STORE_BACKEND", StoreFirestore)),
		SignatureHTML:         env.str("EMAIL_SIGNATURE_HTML", ""),
		FetchGmailSignature:   env.boolean("FETCH_GMAIL_SIGNATURE", false),
		GmailScopes:           ParseList(env.str("GMAIL_SCOPES", "")),
		Port:                  env.integer("PORT", DefaultPort),
		Environment:           env.str("ENVIRONMENT", DefaultEnvironment),
		Debug:                 env.boolean("DEBUG", false),
		LogLevel:              strings.ToLower(env.str("LOG_LEVEL", "info")),
		LogFormat:             strings.ToLower(env.str("LOG_FORMAT", "json")),
		MetricsAddr:           env.str("METRICS_ADDR", DefaultMetricsAddr),
		ShutdownTimeout:       env.duration("SHUTDOWN_TIMEOUT", DefaultShutdownTimeout),
		GmailEndpoint:         env.str("GMAIL_API_ENDPOINT", ""),
		IAMEndpoint:           env.str("IAM_CREDENTIALS_ENDPOINT", ""),
		TokenURL:              env.str("GOOGLE_TOKEN_URL", ""),
	}
	cfg.ResendsCollection = env.str("FIRESTORE_RESENDS_COLLECTION", cfg.DraftsCollection)
	cfg.TrackingEnabled = env.boolean("TRACKING_ENABLED", cfg.TrackingBaseURL != "")

	return cfg, env.err
}

// Validate checks the configuration for values the service cannot run with.
func (c Config) Validate() error {
	var errs []error

	if c.ServiceAccountEmail == "" {
		errs = append(errs, errors.New("GOOGLE_SERVICE_ACCOUNT_EMAIL is required"))
	} else if _, err := mail.ParseAddress(c.ServiceAccountEmail); err != nil {
		errs = append(errs, fmt.Errorf("GOOGLE_SERVICE_ACCOUNT_EMAIL %q is not an email address", c.ServiceAccountEmail))
	}
	if c.DelegatedUser != "" {
		if _, err := mail.ParseAddress(c.DelegatedUser); err != nil {
			errs = append(errs, fmt.Errorf("GMAIL_USER %q is not an email address", c.DelegatedUser))
		}
	}

	if c.TrackingBaseURL != "" {
		u, err := url.Parse(c.TrackingBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("TRACKING_BASE_URL %q must be an absolute http(s) URL", c.TrackingBaseURL))
		}
	}
	if c.TrackingEnabled && c.TrackingBaseURL == "" {
		errs = append(errs, errors.New("TRACKING_ENABLED requires TRACKING_BASE_URL"))
	}
	if !strings.HasPrefix(c.TrackingPixelEndpoint, "/") {
		errs = append(errs, fmt.Errorf("TRACKING_PIXEL_ENDPOINT %q must start with /", c.TrackingPixelEndpoint))
	}

	for name, value := range map[string]string{
		"FIRESTORE_DRAFTS_COLLECTION":      c.DraftsCollection,
		"FIRESTORE_FOLLOWUPS_COLLECTION":   c.FollowupsCollection,
		"FIRESTORE_PIXEL_OPENS_COLLECTION": c.OpensCollection,
		"FIRESTORE_RESENDS_COLLECTION":     c.ResendsCollection,
	} {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", name))
		}
	}

	switch c.StoreBackend {
	case StoreFirestore:
		if c.ProjectID == "" {
			errs = append(errs, errors.New("GCP_PROJECT_ID is required for the firestore backend"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND %q must be firestore or memory", c.StoreBackend))
	}

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}

	return errors.Join(errs...)
}

// Tracking reports whether sends should carry a tracking pixel.
func (c Config) Tracking() bool {
	return c.TrackingEnabled && c.TrackingBaseURL != ""
}

// EffectiveLogLevel returns the log level, forced to debug by DEBUG=true.
func (c Config) EffectiveLogLevel() string {
	if c.Debug {
		return "debug"
	}
	return c.LogLevel
}

// Addr returns the listen address of the HTTP surface.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// IsDevelopment reports whether ENVIRONMENT names a local setup.
func (c Config) IsDevelopment() bool {
	switch strings.ToLower(c.Environment) {
	case "development", "dev", "local":
		return true
	}
	return false
}

// ParseList splits a comma-separated value, trimming each element and
// dropping empty ones. It returns nil if nothing is left.
func ParseList(s string) []string {
	var result []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

// envReader collects parse errors so one bad variable does not hide the rest.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) str(key, def string) string {
	if v, ok := e.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *envReader) boolean(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.err = errors.Join(e.err, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

func (e *envReader) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = errors.Join(e.err, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = errors.Join(e.err, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}
