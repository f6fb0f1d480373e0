package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Default sidecar paths, matching the Vault Agent annotations in the
// deployment manifests.
const (
	DefaultDBCredsPath = "/vault/secrets/db-creds"
	DefaultAPIKeyPath  = "/vault/secrets/openai-token"
)

// FileSource reads credentials rendered to a local file by a sidecar agent.
// The sidecar owns rotation: every Read parses the file from scratch so a
// rotated render is picked up on the next connection attempt.
//
// Accepted formats:
//   - JSON object: {"username": "...", "password": "..."}
//   - key=value lines: username=... / password=... (one per line)
//   - a single line "user:pass" or "user / pass"
type FileSource struct {
	path string
}

// NewFileSource creates a source reading from path.
func NewFileSource(path string) *FileSource {
	if path == "" {
		path = DefaultDBCredsPath
	}
	return &FileSource{path: path}
}

func (s *FileSource) Name() string { return "file" }

// Read parses the credential file. The returned credential carries no lease
// metadata: the sidecar holds the lease, the application only consumes the
// rendered material.
func (s *FileSource) Read(_ context.Context) (*Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrCredentialNotFound, s.path)
		}
		return nil, fmt.Errorf("%w: reading %s: %v", ErrCredentialNotFound, s.path, err)
	}

	username, password, err := parseCredential(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedCredential, s.path, err)
	}

	return &Credential{
		Username: username,
		Password: password,
		IssuedAt: time.Now().UTC(),
	}, nil
}

// WaitRead polls until the credential file appears and parses, or ctx expires.
// The sidecar starts independently of this process, so the first read after
// boot may race the initial render.
func (s *FileSource) WaitRead(ctx context.Context, interval time.Duration) (*Credential, error) {
	if interval <= 0 {
		interval = time.Second
	}

	var lastErr error
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		cred, err := s.Read(ctx)
		if err == nil {
			return cred, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for credential file: %w (last: %v)", ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}

func parseCredential(content string) (username, password string, err error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", "", fmt.Errorf("empty file")
	}

	// JSON render.
	if strings.HasPrefix(trimmed, "{") {
		var obj struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if jsonErr := json.Unmarshal([]byte(trimmed), &obj); jsonErr != nil {
			return "", "", fmt.Errorf("invalid JSON: %v", jsonErr)
		}
		if obj.Username == "" || obj.Password == "" {
			return "", "", fmt.Errorf("JSON render missing username or password")
		}
		return obj.Username, obj.Password, nil
	}

	// key=value lines.
	if strings.Contains(trimmed, "=") {
		for _, line := range strings.Split(trimmed, "\n") {
			key, value, found := strings.Cut(strings.TrimSpace(line), "=")
			if !found {
				continue
			}
			switch strings.TrimSpace(strings.ToLower(key)) {
			case "username":
				username = strings.TrimSpace(value)
			case "password":
				password = strings.TrimSpace(value)
			}
		}
		if username == "" || password == "" {
			return "", "", fmt.Errorf("key=value render missing username or password")
		}
		return username, password, nil
	}

	// Single-line "user:pass" or "user / pass".
	sep := ":"
	if strings.Contains(trimmed, "/") {
		sep = "/"
	}
	username, password, found := strings.Cut(trimmed, sep)
	if !found {
		return "", "", fmt.Errorf("unrecognized credential format")
	}
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return "", "", fmt.Errorf("empty username or password")
	}
	return username, password, nil
}

// ReadAPIKey reads an API key rendered to a sidecar file. Accepts either the
// raw key string or a JSON object {"api_key": "..."}.
func ReadAPIKey(path string) (string, error) {
	if path == "" {
		path = DefaultAPIKeyPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrCredentialNotFound, path)
		}
		return "", fmt.Errorf("%w: reading %s: %v", ErrCredentialNotFound, path, err)
	}

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrMalformedCredential, path)
	}

	if strings.HasPrefix(trimmed, "{") {
		var obj struct {
			APIKey string `json:"api_key"`
		}
		if jsonErr := json.Unmarshal([]byte(trimmed), &obj); jsonErr != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrMalformedCredential, path, jsonErr)
		}
		if obj.APIKey == "" {
			return "", fmt.Errorf("%w: %s has no api_key field", ErrMalformedCredential, path)
		}
		return obj.APIKey, nil
	}

	return trimmed, nil
}
