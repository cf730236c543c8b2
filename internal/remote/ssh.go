package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/qeapp/internal/core"
)

var ErrHostKeyCallback = errors.New("ssh: host key callback required")

type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
}

// NewClient builds a client for the host described by s, loading the
// private key and the known_hosts file it names.
func NewClient(s core.RemoteSettings) (*Client, error) {
	if s.Host == "" {
		return nil, errors.New("ssh: remote host not configured")
	}
	port := s.Port
	if port == 0 {
		port = 22
	}
	keyPath := s.KeyPath
	if keyPath == "" {
		keyPath = DefaultKeyPath()
	}
	signer, err := LoadPrivateKeySigner(keyPath)
	if err != nil {
		return nil, err
	}
	khPath := s.KnownHosts
	if khPath == "" {
		khPath = DefaultKnownHostsPath()
	}
	kh, err := LoadKnownHostsCallback(khPath)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	timeout := 30 * time.Second
	if s.TimeoutSeconds > 0 {
		timeout = time.Duration(s.TimeoutSeconds) * time.Second
	}
	return &Client{
		Addr:       net.JoinHostPort(s.Host, strconv.Itoa(port)),
		User:       s.User,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    timeout,
		Retries:    s.Retries,
		Backoff:    500 * time.Millisecond,
	}, nil
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		return nil, ErrHostKeyCallback
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// Dial establishes an SSH connection, retrying with a linear backoff. The
// caller is responsible for closing the returned client.
func (c *Client) Dial(ctx context.Context) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		cli, err := dial(ctx, c.Addr, cfg)
		if err == nil {
			return cli, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return nil, fmt.Errorf("dial %s: %w", c.Addr, lastErr)
}

func dial(ctx context.Context, addr string, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := xssh.Dial("tcp", addr, cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.cli != nil {
				_ = r.cli.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}

// Result is the outcome of a remote command.
type Result struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// Run executes command on an established connection. A command that exits
// non-zero is not an error; its status is reported in the Result. When ctx
// is cancelled the remote process is sent SIGTERM.
func Run(ctx context.Context, cli *xssh.Client, command string) (Result, error) {
	session, err := cli.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if err := session.Start(command); err != nil {
		return Result{}, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()
	select {
	case <-ctx.Done():
		_ = session.Signal(xssh.SIGTERM)
		return Result{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	case err = <-done:
	}
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *xssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitStatus = exitErr.ExitStatus()
	default:
		return res, fmt.Errorf("run command: %w", err)
	}
	return res, nil
}

// RunCommand dials, runs one command and closes the connection.
func (c *Client) RunCommand(ctx context.Context, command string) (Result, error) {
	cli, err := c.Dial(ctx)
	if err != nil {
		return Result{}, err
	}
	defer cli.Close()
	return Run(ctx, cli, command)
}
