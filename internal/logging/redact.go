package logging

import (
	"regexp"
	"strings"
	"sync"
)

var (
	reBearer      = regexp.MustCompile(`(?i)(bearer\s+)[^\s"',]+`)
	reBasic       = regexp.MustCompile(`(?i)(authorization:\s*basic\s+)[^\s"]+`)
	reAPIKey      = regexp.MustCompile(`sk-[A-Za-z0-9_\-]{16,}`)
	reGitHubPAT   = regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`)
	reAccessToken = regexp.MustCompile(`x-access-token:[^@/\s]+@`)
	reTokenParam  = regexp.MustCompile(`(?i)([?&](?:token|access_token|api_key)=)[^&\s"]+`)
)

// Redacted is the replacement written in place of secrets.
const Redacted = "[REDACTED]"

// Redactor masks credentials in free text. Known token shapes are matched
// by pattern; literal secrets can be registered with AddSecret.
type Redactor struct {
	mu      sync.RWMutex
	secrets []string
}

// NewRedactor creates a Redactor with no literal secrets.
func NewRedactor() *Redactor {
	return &Redactor{}
}

// AddSecret registers a literal value to mask. Values shorter than four
// characters are ignored to avoid masking ordinary words.
func (r *Redactor) AddSecret(secret string) {
	secret = strings.TrimSpace(secret)
	if len(secret) < 4 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.secrets {
		if s == secret {
			return
		}
	}
	r.secrets = append(r.secrets, secret)
}

// Redact returns s with every known secret masked.
func (r *Redactor) Redact(s string) string {
	if s == "" {
		return s
	}

	r.mu.RLock()
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, Redacted)
	}
	r.mu.RUnlock()

	s = reBearer.ReplaceAllString(s, "${1}"+Redacted)
	s = reBasic.ReplaceAllString(s, "${1}"+Redacted)
	s = reAPIKey.ReplaceAllString(s, "sk-"+Redacted)
	s = reGitHubPAT.ReplaceAllString(s, "github_pat_"+Redacted)
	s = reAccessToken.ReplaceAllString(s, "x-access-token:"+Redacted+"@")
	s = reTokenParam.ReplaceAllString(s, "${1}"+Redacted)
	return s
}
