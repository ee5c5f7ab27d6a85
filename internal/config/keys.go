package config

import (
	"errors"
	"net/url"
	"os"
	"strings"
)

// ErrNoToken is returned when no coordinator token is configured.
var ErrNoToken = errors.New("no coordinator token configured, run `ralph-agent login`")

// ErrNoURL is returned when no coordinator URL is configured.
var ErrNoURL = errors.New("no coordinator URL configured, run `ralph-agent login`")

// Credentials identify the agent to the coordinator.
type Credentials struct {
	URL   string
	Token string
}

// Credentials returns the coordinator URL and token, or an error naming
// what is missing.
func (c *Config) Credentials() (Credentials, error) {
	creds := Credentials{
		URL:   strings.TrimRight(strings.TrimSpace(c.Coordinator.URL), "/"),
		Token: strings.TrimSpace(c.Coordinator.Token),
	}
	if creds.URL == "" {
		return creds, ErrNoURL
	}
	if creds.Token == "" {
		return creds, ErrNoToken
	}
	return creds, nil
}

// LoadCredentials loads configuration and returns its credentials.
func LoadCredentials() (Credentials, error) {
	cfg, err := Load()
	if err != nil {
		return Credentials{}, err
	}
	return cfg.Credentials()
}

// SaveCredentials stores the coordinator token and URL in the user config file.
func SaveCredentials(token, coordinatorURL string) error {
	return SaveCredentialsTo(GetUserConfigPath(), token, coordinatorURL)
}

// SaveCredentialsTo stores credentials in the config file at path.
func SaveCredentialsTo(path, token, coordinatorURL string) error {
	if err := ValidateURL(coordinatorURL); err != nil {
		return err
	}
	if strings.TrimSpace(token) == "" {
		return ErrNoToken
	}
	if err := SetUserValue(path, "coordinator.url", strings.TrimRight(coordinatorURL, "/")); err != nil {
		return err
	}
	return SetUserValue(path, "coordinator.token", strings.TrimSpace(token))
}

// ValidateURL checks that s is an absolute http(s) URL.
func ValidateURL(s string) error {
	if strings.TrimSpace(s) == "" {
		return ErrNoURL
	}
	u, err := url.Parse(s)
	if err != nil {
		return errors.New("invalid coordinator URL: " + err.Error())
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("invalid coordinator URL: expected http(s)://host")
	}
	return nil
}

// MaskSecret returns a masked version of a secret for display.
// Shows the first 4 and last 4 characters.
func MaskSecret(secret string) string {
	if secret == "" {
		return "(not set)"
	}

	if len(secret) <= 12 {
		return "***"
	}

	return secret[:4] + "..." + secret[len(secret)-4:]
}

// IsSecretKey reports whether a config key holds a credential.
func IsSecretKey(key string) bool {
	return key == "coordinator.token" || key == "executor.anthropic_api_key"
}

// KeySource represents where the coordinator token was loaded from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

// TokenSource returns where the coordinator token was sourced from.
func TokenSource(cfg *Config) KeySource {
	if os.Getenv(envPrefix+"_COORDINATOR_TOKEN") != "" {
		return KeySourceEnv
	}
	if cfg != nil && strings.TrimSpace(cfg.Coordinator.Token) != "" {
		return KeySourceConfig
	}
	return KeySourceNone
}
