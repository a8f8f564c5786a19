package credential

import (
	"context"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Overlay is the merged set of environment entries injected into the
// launched process. Later merge sources override earlier ones.
type Overlay map[string]string

// Environ renders the overlay as KEY=value pairs in sorted order, ready to
// append to an exec.Cmd environment.
func (o Overlay) Environ() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(o))
	for _, k := range keys {
		env = append(env, k+"="+o[k])
	}
	return env
}

// Resolver builds an environment overlay from a dotenv file and a credential
// registry. Refresh failures are logged and skipped so that one bad provider
// cannot block server startup.
type Resolver struct {
	RegistryPath string
	EnvFilePath  string
	Overrides    map[string]string

	// RefreshTimeout bounds each refresh hook invocation. Defaults to 10s.
	RefreshTimeout time.Duration

	// Refresh overrides the default refresh behavior, mainly for tests.
	Refresh RefreshFunc

	Log zerolog.Logger
}

// Resolve produces the overlay: .env entries first, then registry-resolved
// credentials, then caller overrides. Missing files are not errors.
func (r *Resolver) Resolve(ctx context.Context) (Overlay, error) {
	overlay := make(Overlay)

	r.mergeEnvFile(overlay)
	r.mergeRegistry(ctx, overlay)

	for k, v := range r.Overrides {
		overlay[k] = v
	}

	return overlay, nil
}

// mergeEnvFile loads KEY=VALUE entries from the dotenv file, if present.
// Lines are parsed individually so a single malformed line is skipped rather
// than failing the whole file.
func (r *Resolver) mergeEnvFile(overlay Overlay) {
	if r.EnvFilePath == "" {
		return
	}

	data, err := os.ReadFile(r.EnvFilePath)
	if err != nil {
		r.Log.Debug().Str("path", r.EnvFilePath).Msg("env file not found, skipping")
		return
	}

	loaded := 0
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		entries, err := godotenv.Unmarshal(line)
		if err != nil || len(entries) == 0 {
			r.Log.Warn().Str("path", r.EnvFilePath).Str("line", line).Msg("skipping malformed env line")
			continue
		}
		for k, v := range entries {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			overlay[k] = strings.TrimSpace(v)
			loaded++
		}
	}
	r.Log.Debug().Int("entries", loaded).Str("path", r.EnvFilePath).Msg("loaded env file")
}

// mergeRegistry resolves every provider in the credential registry. A
// malformed or missing registry yields an empty contribution, not an error.
func (r *Resolver) mergeRegistry(ctx context.Context, overlay Overlay) {
	if r.RegistryPath == "" {
		return
	}

	data, err := os.ReadFile(r.RegistryPath)
	if err != nil {
		r.Log.Warn().Str("path", r.RegistryPath).Msg("credential registry not found, proceeding without it")
		return
	}
	if !gjson.ValidBytes(data) {
		r.Log.Warn().Str("path", r.RegistryPath).Msg("credential registry is not valid JSON, proceeding without it")
		return
	}

	gjson.ParseBytes(data).ForEach(func(key, record gjson.Result) bool {
		name := key.String()
		value, ok := r.resolveProvider(ctx, name, record)
		if !ok {
			return true
		}
		overlay[name] = value
		r.Log.Info().Str("provider", name).Msg("resolved credential")
		return true
	})
}

// resolveProvider resolves a single provider record to at most one scalar.
// Empty or absent values mean "not configured" and the provider is omitted.
func (r *Resolver) resolveProvider(ctx context.Context, name string, record gjson.Result) (string, bool) {
	if needsRefresh(record) {
		refreshed, err := r.runRefresh(ctx, name, record)
		if err != nil {
			r.Log.Warn().Err(err).Str("provider", name).Msg("credential refresh failed, skipping provider")
			return "", false
		}
		if refreshed != "" {
			return refreshed, true
		}
		// The hook updated the registry document in place; re-read it.
		if updated, ok := r.rereadProvider(name); ok {
			record = updated
		}
	}

	if token := record.Get("token.access_token"); token.Exists() {
		if v := token.String(); v != "" {
			return v, true
		}
		r.Log.Debug().Str("provider", name).Msg("empty access token, provider not configured")
		return "", false
	}

	if key := record.Get("key"); key.Exists() && key.String() != "" {
		return key.String(), true
	}

	if ref := record.Get("key_env"); ref.Exists() && ref.String() != "" {
		// key_env names an environment variable holding the credential; when
		// the variable is unset the reference itself is used as the literal.
		if v := os.Getenv(ref.String()); v != "" {
			return v, true
		}
		return ref.String(), true
	}

	r.Log.Debug().Str("provider", name).Msg("provider has no resolvable key, skipping")
	return "", false
}

// runRefresh invokes the configured refresh hook under a bounded timeout.
func (r *Resolver) runRefresh(ctx context.Context, name string, record gjson.Result) (string, error) {
	if fresh, ok := cachedToken(record); ok {
		r.Log.Debug().Str("provider", name).Msg("cached token still valid, skipping refresh")
		return fresh, nil
	}

	timeout := r.RefreshTimeout
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	refresh := r.Refresh
	if refresh == nil {
		refresh = DefaultRefresh
	}
	return refresh(ctx, name, record, r.RegistryPath)
}

// rereadProvider reloads a provider record after a refresh hook rewrote the
// registry document.
func (r *Resolver) rereadProvider(name string) (gjson.Result, bool) {
	data, err := os.ReadFile(r.RegistryPath)
	if err != nil || !gjson.ValidBytes(data) {
		return gjson.Result{}, false
	}
	record := gjson.GetBytes(data, name)
	return record, record.Exists()
}

// needsRefresh reports whether a provider record carries any refresh hook.
func needsRefresh(record gjson.Result) bool {
	return record.Get("refresh_cmd").Exists() || record.Get("auth.token_url").Exists()
}

// cachedToken returns the stored access token when its expiry is still in
// the future.
func cachedToken(record gjson.Result) (string, bool) {
	token := record.Get("token.access_token").String()
	expiresAt := record.Get("token.expires_at")
	if token == "" || !expiresAt.Exists() {
		return "", false
	}
	if time.Now().Unix() >= expiresAt.Int() {
		return "", false
	}
	return token, true
}
