package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// credsResponse builds a Vault database secrets engine JSON response body.
func credsResponse(username, password string, leaseDuration int) []byte {
	resp := map[string]any{
		"lease_id":       "database/creds/readonly/abc123",
		"lease_duration": leaseDuration,
		"renewable":      true,
		"data": map[string]any{
			"username": username,
			"password": password,
		},
	}
	b, _ := json.Marshal(resp)
	return b
}

func newTestVaultServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// clearVaultEnv prevents host environment from interfering with tests.
func clearVaultEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")
	t.Setenv("VAULT_NAMESPACE", "")
}

func newTestClient(t *testing.T, addr string) *VaultClient {
	t.Helper()
	vc, err := NewVaultClient(VaultConfig{
		Address:       addr,
		Token:         "test-token",
		CorrelationID: "session-42",
	})
	if err != nil {
		t.Fatalf("NewVaultClient: %v", err)
	}
	return vc
}

func TestVaultClient_GenerateCredentials(t *testing.T) {
	clearVaultEnv(t)

	var gotPath, gotToken, gotCorrelation string
	srv := newTestVaultServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("X-Vault-Token")
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		w.Write(credsResponse("v-role-user", "s3cret", 300))
	})

	vc := newTestClient(t, srv.URL)
	cred, err := vc.GenerateCredentials(context.Background(), "database", "readonly")
	if err != nil {
		t.Fatalf("GenerateCredentials: %v", err)
	}

	if gotPath != "/v1/database/creds/readonly" {
		t.Errorf("got path %q", gotPath)
	}
	if gotToken != "test-token" {
		t.Errorf("got token header %q", gotToken)
	}
	if gotCorrelation != "session-42" {
		t.Errorf("got correlation header %q", gotCorrelation)
	}
	if cred.Username != "v-role-user" || cred.Password != "s3cret" {
		t.Errorf("got credential %q/%q", cred.Username, cred.Password)
	}
	if cred.LeaseDuration != 300*time.Second {
		t.Errorf("got lease duration %v, want 300s", cred.LeaseDuration)
	}
	if !cred.Renewable {
		t.Error("expected renewable lease")
	}
	if cred.LeaseID == "" {
		t.Error("expected lease ID")
	}
}

func TestVaultClient_GenerateCredentials_Incomplete(t *testing.T) {
	clearVaultEnv(t)

	srv := newTestVaultServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"lease_id": "x", "data": {"username": "only-user"}}`))
	})

	vc := newTestClient(t, srv.URL)
	_, err := vc.GenerateCredentials(context.Background(), "database", "readonly")
	if !errors.Is(err, ErrMalformedCredential) {
		t.Errorf("expected ErrMalformedCredential, got %v", err)
	}
}

func TestVaultClient_GenerateCredentials_NotFound(t *testing.T) {
	clearVaultEnv(t)

	srv := newTestVaultServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	vc := newTestClient(t, srv.URL)
	_, err := vc.GenerateCredentials(context.Background(), "database", "missing-role")
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("expected ErrCredentialNotFound, got %v", err)
	}
}

func TestVaultClient_GenerateCredentials_Forbidden(t *testing.T) {
	clearVaultEnv(t)

	srv := newTestVaultServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	vc := newTestClient(t, srv.URL)
	_, err := vc.GenerateCredentials(context.Background(), "database", "readonly")
	if err == nil {
		t.Fatal("expected error for 403")
	}
	if errors.Is(err, ErrCredentialNotFound) {
		t.Error("should NOT be ErrCredentialNotFound for auth failure")
	}
}

func TestVaultClient_RenewLease(t *testing.T) {
	clearVaultEnv(t)

	srv := newTestVaultServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sys/leases/renew" {
			http.NotFound(w, r)
			return
		}
		var body struct {
			LeaseID string `json:"lease_id"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.LeaseID != "lease-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"lease_duration": 120, "renewable": true}`))
	})

	vc := newTestClient(t, srv.URL)
	duration, renewable, err := vc.RenewLease(context.Background(), "lease-1")
	if err != nil {
		t.Fatalf("RenewLease: %v", err)
	}
	if duration != 120*time.Second {
		t.Errorf("got duration %v, want 120s", duration)
	}
	if !renewable {
		t.Error("expected still renewable")
	}
}

func TestVaultClient_RenewLease_CappedTTL(t *testing.T) {
	clearVaultEnv(t)

	srv := newTestVaultServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"lease_duration": 30, "renewable": true, "warnings": ["TTL value is capped at the max TTL"]}`))
	})

	vc := newTestClient(t, srv.URL)
	_, renewable, err := vc.RenewLease(context.Background(), "lease-1")
	if err != nil {
		t.Fatalf("RenewLease: %v", err)
	}
	if renewable {
		t.Error("capped lease should no longer be renewable")
	}
}

func TestVaultClient_RevokeLease(t *testing.T) {
	clearVaultEnv(t)

	var revoked string
	srv := newTestVaultServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sys/leases/revoke" {
			http.NotFound(w, r)
			return
		}
		var body struct {
			LeaseID string `json:"lease_id"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		revoked = body.LeaseID
		w.WriteHeader(http.StatusNoContent)
	})

	vc := newTestClient(t, srv.URL)
	if err := vc.RevokeLease(context.Background(), "lease-9"); err != nil {
		t.Fatalf("RevokeLease: %v", err)
	}
	if revoked != "lease-9" {
		t.Errorf("got revoked lease %q, want %q", revoked, "lease-9")
	}

	// Revoking an empty lease ID is a no-op.
	if err := vc.RevokeLease(context.Background(), ""); err != nil {
		t.Errorf("RevokeLease(\"\"): %v", err)
	}
}

func TestNewVaultClient_EnvOverride(t *testing.T) {
	srv := newTestVaultServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "env-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write(credsResponse("u", "p", 60))
	})

	t.Setenv("VAULT_ADDR", srv.URL)
	t.Setenv("VAULT_TOKEN", "env-token")
	t.Setenv("VAULT_NAMESPACE", "")

	vc, err := NewVaultClient(VaultConfig{
		Address: "http://should-be-overridden:8200",
		Token:   "should-be-overridden",
	})
	if err != nil {
		t.Fatalf("NewVaultClient: %v", err)
	}

	if _, err := vc.GenerateCredentials(context.Background(), "database", "readonly"); err != nil {
		t.Fatalf("GenerateCredentials: %v", err)
	}
}

func TestNewVaultClient_MissingAddress(t *testing.T) {
	clearVaultEnv(t)
	if _, err := NewVaultClient(VaultConfig{Token: "t"}); err == nil {
		t.Fatal("expected error for missing address")
	}
}

func TestNewVaultClient_TokenFromSidecarFile(t *testing.T) {
	clearVaultEnv(t)

	path := writeCredFile(t, "sidecar-token\n")
	srv := newTestVaultServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "sidecar-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write(credsResponse("u", "p", 60))
	})

	vc, err := NewVaultClient(VaultConfig{Address: srv.URL, TokenPath: path})
	if err != nil {
		t.Fatalf("NewVaultClient: %v", err)
	}
	if _, err := vc.GenerateCredentials(context.Background(), "database", "readonly"); err != nil {
		t.Fatalf("GenerateCredentials: %v", err)
	}
}

func TestVaultSource_Read(t *testing.T) {
	clearVaultEnv(t)

	srv := newTestVaultServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(credsResponse("v-user", "v-pass", 60))
	})

	src := NewVaultSource(newTestClient(t, srv.URL), "", "readonly")
	cred, err := src.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if cred.Username != "v-user" {
		t.Errorf("got username %q", cred.Username)
	}
	if src.Name() != "vault" {
		t.Errorf("got name %q", src.Name())
	}
}
