package credential

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultRefreshTimeout bounds a single refresh hook invocation so a hung
// credential provider cannot stall server startup.
const DefaultRefreshTimeout = 10 * time.Second

// expiryMargin is subtracted from a token's lifetime before recording its
// expiry, so a token is refreshed slightly before the provider invalidates it.
const expiryMargin = 60 * time.Second

// RefreshFunc refreshes one provider's credential. It returns the new token
// value, or "" when the hook updated the registry document itself.
type RefreshFunc func(ctx context.Context, provider string, record gjson.Result, registryPath string) (string, error)

// DefaultRefresh dispatches to the external refresh command when the record
// configures one, otherwise to the built-in OAuth client-credentials flow.
func DefaultRefresh(ctx context.Context, provider string, record gjson.Result, registryPath string) (string, error) {
	if cmd := record.Get("refresh_cmd"); cmd.Exists() {
		return refreshByCommand(ctx, cmd.String())
	}
	return refreshByTokenURL(ctx, provider, record, registryPath)
}

// refreshByCommand runs an external refresh hook. Exit status signals
// success; a non-empty stdout line is taken as the new token value, otherwise
// the hook is assumed to have updated the registry document in place.
func refreshByCommand(ctx context.Context, command string) (string, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", fmt.Errorf("empty refresh command")
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Stderr = os.Stderr

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("refresh command timed out: %w", ctx.Err())
		}
		return "", fmt.Errorf("refresh command failed: %w", err)
	}

	return strings.TrimSpace(string(out)), nil
}

// refreshByTokenURL performs the client-credentials token exchange and writes
// the refreshed token back into the registry document.
func refreshByTokenURL(ctx context.Context, provider string, record gjson.Result, registryPath string) (string, error) {
	tokenURL := record.Get("auth.token_url").String()
	apiKey := record.Get("auth.api_key").String()
	secret := record.Get("auth.secret_key").String()
	if tokenURL == "" || apiKey == "" || secret == "" {
		return "", fmt.Errorf("provider auth section is missing api_key, secret_key or token_url")
	}

	q := url.Values{}
	q.Set("grant_type", "client_credentials")
	q.Set("client_id", apiKey)
	q.Set("client_secret", secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	token := gjson.GetBytes(body, "access_token").String()
	if token == "" {
		return "", fmt.Errorf("token endpoint response has no access_token")
	}
	expiresIn := gjson.GetBytes(body, "expires_in").Int()

	if err := writeTokenBack(registryPath, provider, token, expiresIn); err != nil {
		return "", fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	return token, nil
}

// writeTokenBack records the refreshed token under <provider>.token in the
// registry document, with its expiry reduced by the safety margin.
func writeTokenBack(registryPath, provider, token string, expiresIn int64) error {
	data, err := os.ReadFile(registryPath)
	if err != nil {
		return err
	}

	now := time.Now()
	lifetime := time.Duration(expiresIn)*time.Second - expiryMargin
	if lifetime < 0 {
		lifetime = 0
	}

	doc := string(data)
	for path, value := range map[string]interface{}{
		provider + ".token.access_token": token,
		provider + ".token.expires_at":   now.Add(lifetime).Unix(),
		provider + ".token.fetched_at":   now.Unix(),
	} {
		doc, err = sjson.Set(doc, path, value)
		if err != nil {
			return err
		}
	}

	return os.WriteFile(registryPath, []byte(doc), 0644)
}
