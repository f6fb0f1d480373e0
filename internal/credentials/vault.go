package credentials

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// DefaultSidecarTokenPath is where a Vault Agent sidecar writes the
// authentication token.
const DefaultSidecarTokenPath = "/vault/secrets/token"

// VaultConfig configures the direct Vault database secrets engine client.
//
// Supported fields (env vars take precedence):
//   - Address:       Vault server URL (VAULT_ADDR)
//   - Token:         Vault token (VAULT_TOKEN); falls back to the sidecar token file
//   - TokenPath:     sidecar token file path (default /vault/secrets/token)
//   - Namespace:     Enterprise namespace (VAULT_NAMESPACE)
//   - Role:          database role name (VAULT_DB_ROLE)
//   - Mount:         database mount point (VAULT_DB_MOUNT, default "database")
//   - CorrelationID: sent as X-Correlation-ID so per-session credential usage
//     is traceable in the Vault audit log
type VaultConfig struct {
	Address       string
	Token         string
	TokenPath     string
	Namespace     string
	Role          string
	Mount         string
	CorrelationID string
	Timeout       time.Duration // Default: 5s.
	TLSSkipVerify bool
}

// VaultClient talks to the Vault database secrets engine over HTTP.
// Safe for concurrent use.
type VaultClient struct {
	address       string
	token         string
	namespace     string
	correlationID string
	client        *http.Client
}

// NewVaultClient creates a Vault client. The token is resolved from config,
// then VAULT_TOKEN, then the sidecar token file.
func NewVaultClient(cfg VaultConfig) (*VaultClient, error) {
	address := cfg.Address
	if env := os.Getenv("VAULT_ADDR"); env != "" {
		address = env
	}
	if address == "" {
		return nil, fmt.Errorf("vault address is required (set Address or VAULT_ADDR)")
	}
	address = strings.TrimRight(address, "/")

	token := cfg.Token
	if env := os.Getenv("VAULT_TOKEN"); env != "" {
		token = env
	}
	if token == "" {
		tokenPath := cfg.TokenPath
		if tokenPath == "" {
			tokenPath = DefaultSidecarTokenPath
		}
		if data, err := os.ReadFile(tokenPath); err == nil {
			token = strings.TrimSpace(string(data))
		}
	}
	if token == "" {
		return nil, fmt.Errorf("vault token is required (set Token, VAULT_TOKEN, or the sidecar token file)")
	}

	namespace := cfg.Namespace
	if env := os.Getenv("VAULT_NAMESPACE"); env != "" {
		namespace = env
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &VaultClient{
		address:       address,
		token:         token,
		namespace:     namespace,
		correlationID: cfg.CorrelationID,
		client:        &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

// GenerateCredentials requests a fresh lease from the database secrets engine
// (GET /v1/<mount>/creds/<role>).
func (v *VaultClient) GenerateCredentials(ctx context.Context, mount, role string) (*Credential, error) {
	if role == "" {
		return nil, fmt.Errorf("vault database role is required")
	}
	if mount == "" {
		mount = "database"
	}

	requestTime := time.Now().UTC()
	body, err := v.do(ctx, http.MethodGet, fmt.Sprintf("%s/creds/%s", mount, role), nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		LeaseID       string `json:"lease_id"`
		LeaseDuration int    `json:"lease_duration"`
		Renewable     bool   `json:"renewable"`
		Data          struct {
			Username string `json:"username"`
			Password string `json:"password"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: parsing credentials response: %v", ErrMalformedCredential, err)
	}
	if resp.Data.Username == "" || resp.Data.Password == "" {
		return nil, fmt.Errorf("%w: vault returned incomplete credentials for role %q", ErrMalformedCredential, role)
	}

	return &Credential{
		Username:      resp.Data.Username,
		Password:      resp.Data.Password,
		LeaseID:       resp.LeaseID,
		LeaseDuration: time.Duration(resp.LeaseDuration) * time.Second,
		IssuedAt:      requestTime,
		Renewable:     resp.Renewable,
	}, nil
}

// RenewLease extends a lease (PUT /v1/sys/leases/renew) and returns the new
// duration plus whether the lease is still renewable. A capped-TTL warning
// from Vault means the lease has hit its max TTL.
func (v *VaultClient) RenewLease(ctx context.Context, leaseID string) (time.Duration, bool, error) {
	if leaseID == "" {
		return 0, false, fmt.Errorf("lease ID is required")
	}

	payload, _ := json.Marshal(map[string]string{"lease_id": leaseID})
	body, err := v.do(ctx, http.MethodPut, "sys/leases/renew", payload)
	if err != nil {
		return 0, false, err
	}

	var resp struct {
		LeaseDuration int      `json:"lease_duration"`
		Renewable     bool     `json:"renewable"`
		Warnings      []string `json:"warnings"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, false, fmt.Errorf("parsing renew response: %w", err)
	}

	renewable := resp.Renewable
	for _, w := range resp.Warnings {
		if strings.Contains(w, "TTL value is capped") {
			renewable = false
		}
	}

	return time.Duration(resp.LeaseDuration) * time.Second, renewable, nil
}

// RevokeLease revokes a lease so Vault deletes the database user immediately
// (PUT /v1/sys/leases/revoke).
func (v *VaultClient) RevokeLease(ctx context.Context, leaseID string) error {
	if leaseID == "" {
		return nil
	}
	payload, _ := json.Marshal(map[string]string{"lease_id": leaseID})
	_, err := v.do(ctx, http.MethodPut, "sys/leases/revoke", payload)
	return err
}

func (v *VaultClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("%s/v1/%s", v.address, path), reqBody)
	if err != nil {
		return nil, fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.token)
	if v.namespace != "" {
		req.Header.Set("X-Vault-Namespace", v.namespace)
	}
	if v.correlationID != "" {
		req.Header.Set("X-Correlation-ID", v.correlationID)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB limit
	if err != nil {
		return nil, fmt.Errorf("reading vault response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: vault path %q not found", ErrCredentialNotFound, path)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("vault access denied for %q (check token permissions)", path)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("vault server error %d for %q", resp.StatusCode, path)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent:
		return nil, fmt.Errorf("vault returned status %d for %q", resp.StatusCode, path)
	}

	return body, nil
}

// VaultSource issues credentials directly from the database secrets engine.
// Each Read acquires a fresh lease; pair with a Renewer to keep one lease
// alive for a session instead of minting one per read.
type VaultSource struct {
	client *VaultClient
	mount  string
	role   string
}

// NewVaultSource creates a source for the given role and mount point.
func NewVaultSource(client *VaultClient, mount, role string) *VaultSource {
	if mount == "" {
		mount = "database"
	}
	return &VaultSource{client: client, mount: mount, role: role}
}

func (s *VaultSource) Name() string { return "vault" }

func (s *VaultSource) Read(ctx context.Context) (*Credential, error) {
	return s.client.GenerateCredentials(ctx, s.mount, s.role)
}
