package config

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestCredentials(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    Credentials
		wantErr error
	}{
		{
			name: "complete",
			cfg:  Config{Coordinator: CoordinatorConfig{URL: "https://c.example.com/", Token: " tok "}},
			want: Credentials{URL: "https://c.example.com", Token: "tok"},
		},
		{
			name:    "missing url",
			cfg:     Config{Coordinator: CoordinatorConfig{Token: "tok"}},
			wantErr: ErrNoURL,
		},
		{
			name:    "missing token",
			cfg:     Config{Coordinator: CoordinatorConfig{URL: "https://c.example.com"}},
			wantErr: ErrNoToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.Credentials()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Credentials() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && got != tt.want {
				t.Errorf("Credentials() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSaveCredentialsTo(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := SaveCredentialsTo(path, "agent-token-123", "https://coord.example.com/"); err != nil {
		t.Fatalf("SaveCredentialsTo() error = %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatal(err)
	}
	creds, err := cfg.Credentials()
	if err != nil {
		t.Fatalf("Credentials() error = %v", err)
	}
	if creds.Token != "agent-token-123" || creds.URL != "https://coord.example.com" {
		t.Errorf("creds = %+v", creds)
	}

	if err := SaveCredentialsTo(path, "", "https://coord.example.com"); !errors.Is(err, ErrNoToken) {
		t.Errorf("empty token error = %v", err)
	}
	if err := SaveCredentialsTo(path, "tok", "ftp://nope"); err == nil {
		t.Error("non-http URL accepted")
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"https://coord.example.com", false},
		{"http://localhost:3000", false},
		{"", true},
		{"coord.example.com", true},
		{"ftp://coord.example.com", true},
	}
	for _, tt := range tests {
		if err := ValidateURL(tt.in); (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "(not set)"},
		{"short", "***"},
		{"tok_live_abcdefgh1234", "tok_...1234"},
	}
	for _, tt := range tests {
		if got := MaskSecret(tt.in); got != tt.want {
			t.Errorf("MaskSecret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTokenSource(t *testing.T) {
	t.Setenv("RALPH_COORDINATOR_TOKEN", "")
	if got := TokenSource(&Config{}); got != KeySourceNone {
		t.Errorf("TokenSource() = %v, want none", got)
	}
	if got := TokenSource(&Config{Coordinator: CoordinatorConfig{Token: "x"}}); got != KeySourceConfig {
		t.Errorf("TokenSource() = %v, want config_file", got)
	}
	t.Setenv("RALPH_COORDINATOR_TOKEN", "env-token")
	if got := TokenSource(&Config{}); got != KeySourceEnv {
		t.Errorf("TokenSource() = %v, want environment", got)
	}
}
