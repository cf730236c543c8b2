package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var errKeyScanned = errors.New("ssh: host key scanned")

// EnsureKnownHostsFile creates an empty known_hosts file and its directory
// unless they exist.
func EnsureKnownHostsFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create known_hosts: %w", err)
	}
	return f.Close()
}

// LoadKnownHostsCallback returns a strict host key callback using the given
// file. Hosts missing from the file are rejected.
func LoadKnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if err := EnsureKnownHostsFile(path); err != nil {
		return nil, err
	}
	return knownhosts.New(path)
}

// AddKnownHost appends key for addr (host:port) to the known_hosts file.
func AddKnownHost(path, addr string, key xssh.PublicKey) error {
	if err := EnsureKnownHostsFile(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, knownhosts.Line([]string{knownhosts.Normalize(addr)}, key)); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}

// ScanHostKey connects to addr and returns the host key it presents. The
// handshake is aborted before authentication.
func ScanHostKey(ctx context.Context, addr string, timeout time.Duration) (xssh.PublicKey, error) {
	scanned := make(chan xssh.PublicKey, 1)
	cfg := &xssh.ClientConfig{
		User: "qeapp",
		HostKeyCallback: func(_ string, _ net.Addr, key xssh.PublicKey) error {
			select {
			case scanned <- key:
			default:
			}
			return errKeyScanned
		},
		Timeout: timeout,
	}
	cli, err := dial(ctx, addr, cfg)
	if cli != nil {
		_ = cli.Close()
	}
	select {
	case key := <-scanned:
		return key, nil
	default:
	}
	if err == nil {
		err = errors.New("no host key presented")
	}
	return nil, fmt.Errorf("scan %s: %w", addr, err)
}
