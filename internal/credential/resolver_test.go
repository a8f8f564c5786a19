package credential

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestResolveEnvFile(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    Overlay
	}{
		{
			name: "Well-formed entries with comments and blanks",
			content: `# comment line
DB_FILE=bills.db

UVICORN_PORT=8000
`,
			want: Overlay{"DB_FILE": "bills.db", "UVICORN_PORT": "8000"},
		},
		{
			name:    "Values are whitespace-trimmed",
			content: "KEY=  padded value  \n",
			want:    Overlay{"KEY": "padded value"},
		},
		{
			name:    "Malformed line is skipped without dropping the rest",
			content: "GOOD=1\nthis is not an assignment\nALSO_GOOD=2\n",
			want:    Overlay{"GOOD": "1", "ALSO_GOOD": "2"},
		},
		{
			name:    "Empty file",
			content: "",
			want:    Overlay{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Resolver{
				EnvFilePath: writeTemp(t, tmpDir, "env_"+fmt.Sprintf("%d", time.Now().UnixNano()), tt.content),
				Log:         zerolog.Nop(),
			}
			got, err := r.Resolve(context.Background())
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveMissingInputs(t *testing.T) {
	r := &Resolver{
		RegistryPath: filepath.Join(t.TempDir(), "missing.json"),
		EnvFilePath:  filepath.Join(t.TempDir(), "missing.env"),
		Log:          zerolog.Nop(),
	}
	got, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error = %v, want nil for missing inputs", err)
	}
	if len(got) != 0 {
		t.Errorf("Resolve() = %v, want empty overlay", got)
	}
}

func TestResolveRegistry(t *testing.T) {
	tests := []struct {
		name     string
		registry string
		env      map[string]string
		want     Overlay
	}{
		{
			name:     "Key reference and empty token",
			registry: `{"A": {"key_env": "secretA"}, "B": {"token": {"access_token": ""}}}`,
			want:     Overlay{"A": "secretA"},
		},
		{
			name:     "Key reference resolves through the environment when set",
			registry: `{"DASHSCOPE": {"key_env": "DASHSCOPE_API_KEY"}}`,
			env:      map[string]string{"DASHSCOPE_API_KEY": "sk-from-env"},
			want:     Overlay{"DASHSCOPE": "sk-from-env"},
		},
		{
			name:     "Literal key",
			registry: `{"QWEN": {"key": "sk-literal"}}`,
			want:     Overlay{"QWEN": "sk-literal"},
		},
		{
			name:     "Token path wins over key",
			registry: `{"BAIDU": {"key": "unused", "token": {"access_token": "tok-123"}}}`,
			want:     Overlay{"BAIDU": "tok-123"},
		},
		{
			name:     "Record with nothing resolvable is omitted",
			registry: `{"EMPTY": {"auth": {}}}`,
			want:     Overlay{},
		},
		{
			name:     "Malformed registry yields empty overlay",
			registry: `{"A": {`,
			want:     Overlay{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			r := &Resolver{
				RegistryPath: writeTemp(t, t.TempDir(), "apis.json", tt.registry),
				Log:          zerolog.Nop(),
			}
			got, err := r.Resolve(context.Background())
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveRefreshFailureIsolation(t *testing.T) {
	registry := `{
		"GOOD": {"key": "good-key"},
		"BROKEN": {"refresh_cmd": "whatever", "token": {"access_token": "stale"}},
		"ALSO_GOOD": {"key": "other-key"}
	}`
	r := &Resolver{
		RegistryPath: writeTemp(t, t.TempDir(), "apis.json", registry),
		Log:          zerolog.Nop(),
		Refresh: func(ctx context.Context, provider string, record gjson.Result, registryPath string) (string, error) {
			return "", fmt.Errorf("provider endpoint unreachable")
		},
	}

	got, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error = %v, want nil (refresh failure is non-fatal)", err)
	}
	want := Overlay{"GOOD": "good-key", "ALSO_GOOD": "other-key"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Resolve() = %v, want %v", got, want)
	}
}

func TestResolveRefreshReturnsToken(t *testing.T) {
	registry := `{"BAIDU": {"refresh_cmd": "hook", "token": {"access_token": "stale", "expires_at": 1}}}`
	var gotProvider string
	r := &Resolver{
		RegistryPath: writeTemp(t, t.TempDir(), "apis.json", registry),
		Log:          zerolog.Nop(),
		Refresh: func(ctx context.Context, provider string, record gjson.Result, registryPath string) (string, error) {
			gotProvider = provider
			return "fresh-token", nil
		},
	}

	got, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if gotProvider != "BAIDU" {
		t.Errorf("refresh invoked for %q, want BAIDU", gotProvider)
	}
	if got["BAIDU"] != "fresh-token" {
		t.Errorf("overlay BAIDU = %q, want fresh-token", got["BAIDU"])
	}
}

func TestResolveRefreshUpdatesDocument(t *testing.T) {
	path := writeTemp(t, t.TempDir(), "apis.json",
		`{"BAIDU": {"refresh_cmd": "hook", "token": {"access_token": "stale", "expires_at": 1}}}`)
	r := &Resolver{
		RegistryPath: path,
		Log:          zerolog.Nop(),
		Refresh: func(ctx context.Context, provider string, record gjson.Result, registryPath string) (string, error) {
			// The hook rewrites the registry document and returns nothing.
			updated := `{"BAIDU": {"refresh_cmd": "hook", "token": {"access_token": "rewritten"}}}`
			return "", os.WriteFile(registryPath, []byte(updated), 0644)
		},
	}

	got, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got["BAIDU"] != "rewritten" {
		t.Errorf("overlay BAIDU = %q, want rewritten (re-read after hook)", got["BAIDU"])
	}
}

func TestResolveCachedTokenSkipsRefresh(t *testing.T) {
	future := time.Now().Add(time.Hour).Unix()
	registry := fmt.Sprintf(
		`{"BAIDU": {"refresh_cmd": "hook", "token": {"access_token": "cached", "expires_at": %d}}}`, future)
	r := &Resolver{
		RegistryPath: writeTemp(t, t.TempDir(), "apis.json", registry),
		Log:          zerolog.Nop(),
		Refresh: func(ctx context.Context, provider string, record gjson.Result, registryPath string) (string, error) {
			t.Error("refresh hook invoked despite valid cached token")
			return "", fmt.Errorf("should not run")
		},
	}

	got, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got["BAIDU"] != "cached" {
		t.Errorf("overlay BAIDU = %q, want cached", got["BAIDU"])
	}
}

func TestResolvePrecedence(t *testing.T) {
	tmpDir := t.TempDir()
	envFile := writeTemp(t, tmpDir, ".env", "SHARED=from-env-file\nONLY_ENV=x\n")
	registry := writeTemp(t, tmpDir, "apis.json", `{"SHARED": {"key": "from-registry"}}`)

	r := &Resolver{
		RegistryPath: registry,
		EnvFilePath:  envFile,
		Overrides:    map[string]string{"SHARED": "from-override"},
		Log:          zerolog.Nop(),
	}
	got, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got["SHARED"] != "from-override" {
		t.Errorf("overlay SHARED = %q, want from-override (overrides win)", got["SHARED"])
	}
	if got["ONLY_ENV"] != "x" {
		t.Errorf("overlay ONLY_ENV = %q, want x", got["ONLY_ENV"])
	}
}

func TestOverlayEnviron(t *testing.T) {
	o := Overlay{"B": "2", "A": "1"}
	want := []string{"A=1", "B=2"}
	if got := o.Environ(); !reflect.DeepEqual(got, want) {
		t.Errorf("Environ() = %v, want %v", got, want)
	}
}
