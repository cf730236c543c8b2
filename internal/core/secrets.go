package core

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// remoteSecrets are the connection settings that may be kept out of the
// YAML file, in secrets.env or in the environment.
var remoteSecrets = map[string]func(*RemoteSettings, string){
	"QEAPP_REMOTE_HOST":     func(r *RemoteSettings, v string) { r.Host = v },
	"QEAPP_REMOTE_USER":     func(r *RemoteSettings, v string) { r.User = v },
	"QEAPP_REMOTE_KEY_PATH": func(r *RemoteSettings, v string) { r.KeyPath = v },
	"QEAPP_REMOTE_WORKDIR":  func(r *RemoteSettings, v string) { r.Workdir = v },
}

// ReadSecretsEnv parses KEY=VALUE lines from path, secrets.env inside
// ConfigDir when empty. Blank lines and # comments are skipped and values
// may be quoted. A missing file yields no secrets.
func ReadSecretsEnv(path string) (map[string]string, error) {
	if path == "" {
		path = filepath.Join(ConfigDir(), "secrets.env")
	}
	out := map[string]string{}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open secrets: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("secrets %s:%d: expected KEY=VALUE", path, n)
		}
		out[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"'`)
	}
	return out, sc.Err()
}

// applySecrets overlays secrets.env then the environment on r.
func applySecrets(r *RemoteSettings) error {
	secrets, err := ReadSecretsEnv("")
	if err != nil {
		return err
	}
	for key, set := range remoteSecrets {
		v := secrets[key]
		if env := os.Getenv(key); env != "" {
			v = env
		}
		if v != "" {
			set(r, v)
		}
	}
	return nil
}
