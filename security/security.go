// Package security holds the gateway's credential surface: provider API
// keys and the JWKS signing key, both read at boot from Vault when enabled
// or from the environment otherwise.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// ─── HashiCorp Vault Integration ──────────────────────

type VaultConfig struct {
	Enabled    bool          `json:"enabled"`
	Address    string        `json:"address"` // e.g., "https://vault.internal:8200"
	Token      string        `json:"-"`       // Never log
	MountPath  string        `json:"mount_path"` // e.g., "secret"
	Namespace  string        `json:"namespace"`
	RenewTTL   time.Duration `json:"renew_ttl"`
	MaxRetries int           `json:"max_retries"`
}

type VaultClient struct {
	config VaultConfig
	client *http.Client
	mu     sync.RWMutex
	cache  map[string]*cachedSecret
}

type cachedSecret struct {
	Value     map[string]string
	ExpiresAt time.Time
}

func NewVaultClient(config VaultConfig) *VaultClient {
	if config.MountPath == "" {
		config.MountPath = "secret"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RenewTTL == 0 {
		config.RenewTTL = 5 * time.Minute
	}

	return &VaultClient{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
		cache:  make(map[string]*cachedSecret),
	}
}

// GetProviderKey retrieves a provider API key from Vault.
func (v *VaultClient) GetProviderKey(ctx context.Context, provider string) (string, error) {
	if !v.config.Enabled {
		// Fallback to env var
		envKey := fmt.Sprintf("%s_API_KEY", strings.ToUpper(provider))
		if key := os.Getenv(envKey); key != "" {
			return key, nil
		}
		return "", fmt.Errorf("vault disabled and no env var %s", envKey)
	}

	path := fmt.Sprintf("providers/%s", provider)

	// Check cache
	v.mu.RLock()
	if cached, ok := v.cache[path]; ok && time.Now().Before(cached.ExpiresAt) {
		v.mu.RUnlock()
		return cached.Value["api_key"], nil
	}
	v.mu.RUnlock()

	// Fetch from Vault
	secret, err := v.readSecret(ctx, path)
	if err != nil {
		return "", fmt.Errorf("read provider key: %w", err)
	}

	apiKey, ok := secret["api_key"]
	if !ok {
		return "", fmt.Errorf("no api_key field in vault path %s", path)
	}

	// Cache
	v.mu.Lock()
	v.cache[path] = &cachedSecret{
		Value:     secret,
		ExpiresAt: time.Now().Add(v.config.RenewTTL),
	}
	v.mu.Unlock()

	return apiKey, nil
}

// WriteProviderKey stores a provider API key in Vault.
func (v *VaultClient) WriteProviderKey(ctx context.Context, provider, apiKey string) error {
	path := fmt.Sprintf("providers/%s", provider)
	data := map[string]string{"api_key": apiKey}
	return v.writeSecret(ctx, path, data)
}

// RotateProviderKey replaces the stored key with newKey.
func (v *VaultClient) RotateProviderKey(ctx context.Context, provider, newKey string) error {
	if err := v.WriteProviderKey(ctx, provider, newKey); err != nil {
		return fmt.Errorf("rotate key: %w", err)
	}

	// Invalidate cache
	v.mu.Lock()
	path := fmt.Sprintf("providers/%s", provider)
	delete(v.cache, path)
	v.mu.Unlock()

	return nil
}

// ListProviders returns all stored provider names.
func (v *VaultClient) ListProviders(ctx context.Context) ([]string, error) {
	if !v.config.Enabled {
		return nil, fmt.Errorf("vault not enabled")
	}

	url := fmt.Sprintf("%s/v1/%s/metadata/providers?list=true", v.config.Address, v.config.MountPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Vault-Token", v.config.Token)
	if v.config.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", v.config.Namespace)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault list: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Data struct {
			Keys []string `json:"keys"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode vault list: %w", err)
	}
	return result.Data.Keys, nil
}

func (v *VaultClient) readSecret(ctx context.Context, path string) (map[string]string, error) {
	url := fmt.Sprintf("%s/v1/%s/data/%s", v.config.Address, v.config.MountPath, path)

	var lastErr error
	for attempt := 0; attempt <= v.config.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Vault-Token", v.config.Token)
		if v.config.Namespace != "" {
			req.Header.Set("X-Vault-Namespace", v.config.Namespace)
		}

		resp, err := v.client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
			continue
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("secret not found: %s", path)
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("vault error (%d): %s", resp.StatusCode, string(body))
		}

		var result struct {
			Data struct {
				Data map[string]string `json:"data"`
			} `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("decode secret: %w", err)
		}
		return result.Data.Data, nil
	}

	return nil, fmt.Errorf("vault read failed after %d retries: %w", v.config.MaxRetries, lastErr)
}

func (v *VaultClient) writeSecret(ctx context.Context, path string, data map[string]string) error {
	url := fmt.Sprintf("%s/v1/%s/data/%s", v.config.Address, v.config.MountPath, path)

	payload := map[string]interface{}{
		"data": data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("X-Vault-Token", v.config.Token)
	req.Header.Set("Content-Type", "application/json")
	if v.config.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", v.config.Namespace)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("vault write: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vault write error (%d): %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// GetSigningKey retrieves the PEM-encoded RSA private key the OIDC provider
// signs access and ID tokens with. Falls back to a file on disk when Vault
// is disabled, mirroring GetProviderKey's env-var fallback.
func (v *VaultClient) GetSigningKey(ctx context.Context, fallbackPath string) ([]byte, error) {
	if !v.config.Enabled {
		if fallbackPath == "" {
			return nil, fmt.Errorf("vault disabled and no JWKS private key path configured")
		}
		return os.ReadFile(fallbackPath)
	}

	secret, err := v.readSecret(ctx, "oidc/signing-key")
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	pem, ok := secret["private_key"]
	if !ok {
		return nil, fmt.Errorf("no private_key field in vault path oidc/signing-key")
	}
	return []byte(pem), nil
}

// InvalidateCache clears all cached secrets.
func (v *VaultClient) InvalidateCache() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache = make(map[string]*cachedSecret)
}
