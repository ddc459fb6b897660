package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"github.com/teemow/draftsender/internal/config"
	"github.com/teemow/draftsender/internal/delivery"
)

func parseFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	registerConfigFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("failed to parse flags: %v", err)
	}
	return fs
}

func noEnv(string) (string, bool) { return "", false }

func TestApplyConfigFlags_OnlyChangedFlagsOverride(t *testing.T) {
	cfg := config.Config{
		DelegatedUser:       "env@example.com",
		ServiceAccountEmail: "sender@proj.iam.gserviceaccount.com",
		StoreBackend:        config.StoreFirestore,
		Port:                8080,
		LogLevel:            "info",
	}

	fs := parseFlags(t, "--delegated-user", "flag@example.com", "--store", "MEMORY", "--port", "9000")
	if err := applyConfigFlags(fs, &cfg, noEnv); err != nil {
		t.Fatalf("applyConfigFlags() error = %v", err)
	}

	if cfg.DelegatedUser != "flag@example.com" {
		t.Errorf("DelegatedUser = %q, want flag value", cfg.DelegatedUser)
	}
	if cfg.StoreBackend != config.StoreMemory {
		t.Errorf("StoreBackend = %q, want %q", cfg.StoreBackend, config.StoreMemory)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if cfg.ServiceAccountEmail != "sender@proj.iam.gserviceaccount.com" {
		t.Errorf("ServiceAccountEmail = %q, unset flag must not override", cfg.ServiceAccountEmail)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, unset flag must not override", cfg.LogLevel)
	}
}

func TestApplyConfigFlags_Tracking(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  func(string) (string, bool)
		base string
		want bool
	}{
		{
			name: "base url flag enables tracking",
			args: []string{"--tracking-base-url", "https://t.example.com/"},
			env:  noEnv,
			base: "https://t.example.com",
			want: true,
		},
		{
			name: "explicit env setting wins over base url flag",
			args: []string{"--tracking-base-url", "https://t.example.com"},
			env: func(k string) (string, bool) {
				if k == "TRACKING_ENABLED" {
					return "false", true
				}
				return "", false
			},
			base: "https://t.example.com",
			want: false,
		},
		{
			name: "tracking flag wins",
			args: []string{"--tracking-base-url", "https://t.example.com", "--tracking=false"},
			env:  noEnv,
			base: "https://t.example.com",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg config.Config
			if err := applyConfigFlags(parseFlags(t, tt.args...), &cfg, tt.env); err != nil {
				t.Fatalf("applyConfigFlags() error = %v", err)
			}
			if cfg.TrackingBaseURL != tt.base {
				t.Errorf("TrackingBaseURL = %q, want %q", cfg.TrackingBaseURL, tt.base)
			}
			if cfg.TrackingEnabled != tt.want {
				t.Errorf("TrackingEnabled = %v, want %v", cfg.TrackingEnabled, tt.want)
			}
		})
	}
}

func TestSendRequest(t *testing.T) {
	if got := sendRequest("d1", ""); got.TestMode {
		t.Errorf("sendRequest without test email = %+v, want live send", got)
	}
	got := sendRequest("d1", "qa@example.com")
	if !got.TestMode || got.TestEmail != "qa@example.com" || got.ID != "d1" {
		t.Errorf("sendRequest with test email = %+v", got)
	}
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, &delivery.Result{
		Status:    delivery.StatusOK,
		MessageID: "msg123",
		PixelID:   "p1",
		DraftID:   "d1",
	})

	out := buf.String()
	for _, want := range []string{"status:", "ok", "message_id:", "msg123", "pixel_id:", "draft_id:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "thread_id") {
		t.Errorf("empty fields must be omitted:\n%s", out)
	}
}

func TestVersionCmd(t *testing.T) {
	SetVersion("1.2.3")
	t.Cleanup(func() { SetVersion("dev") })

	cmd := newVersionCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if got := buf.String(); got != "draftsender version 1.2.3\n" {
		t.Errorf("version output = %q", got)
	}
}

func TestNewApp_ComposerTracking(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		enabled bool
		want    bool
	}{
		{name: "base url and enabled", baseURL: "https://track.example.com", enabled: true, want: true},
		{name: "enabled without base url", enabled: true, want: false},
		{name: "disabled", baseURL: "https://track.example.com", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Config{
				StoreBackend:    config.StoreMemory,
				DelegatedUser:   "jane@example.com",
				TrackingBaseURL: tt.baseURL,
				TrackingEnabled: tt.enabled,
				GmailScopes:     []string{"https://www.googleapis.com/auth/gmail.send"},
			}
			a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), false)
			if err != nil {
				t.Fatalf("newApp() error = %v", err)
			}
			defer func() { _ = a.Close(context.Background()) }()

			if got := a.composer.Tracking(); got != tt.want {
				t.Errorf("composer.Tracking() = %v, want %v", got, tt.want)
			}
		})
	}
}
