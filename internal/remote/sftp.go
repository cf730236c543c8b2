package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// Session is an SSH connection together with an SFTP client over it.
type Session struct {
	ssh  *xssh.Client
	sftp *sftp.Client
}

// Open dials the host and starts an SFTP subsystem on the connection.
func (c *Client) Open(ctx context.Context) (*Session, error) {
	cli, err := c.Dial(ctx)
	if err != nil {
		return nil, err
	}
	sf, err := sftp.NewClient(cli)
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	return &Session{ssh: cli, sftp: sf}, nil
}

func (s *Session) Close() error {
	err := s.sftp.Close()
	if s.ssh != nil {
		if cerr := s.ssh.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Run executes command over the session's connection.
func (s *Session) Run(ctx context.Context, command string) (Result, error) {
	if s.ssh == nil {
		return Result{}, errors.New("ssh: session has no connection")
	}
	return Run(ctx, s.ssh, command)
}

// WriteFile uploads data to remotePath, creating parent directories.
func (s *Session) WriteFile(remotePath string, data []byte) error {
	if err := s.sftp.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	dst, err := s.sftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	if _, err := dst.Write(data); err != nil {
		_ = dst.Close()
		return fmt.Errorf("write remote: %w", err)
	}
	return dst.Close()
}

// ReadFile downloads remotePath. A missing file is reported as
// os.ErrNotExist.
func (s *Session) ReadFile(remotePath string) ([]byte, error) {
	src, err := s.sftp.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("open remote %s: %w", remotePath, notExist(err))
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read remote %s: %w", remotePath, err)
	}
	return data, nil
}

// RemoveAll deletes remotePath and everything below it. A missing path is
// reported as os.ErrNotExist.
func (s *Session) RemoveAll(remotePath string) error {
	fi, err := s.sftp.Lstat(remotePath)
	if err != nil {
		return fmt.Errorf("stat remote %s: %w", remotePath, notExist(err))
	}
	if !fi.IsDir() {
		return s.sftp.Remove(remotePath)
	}
	entries, err := s.sftp.ReadDir(remotePath)
	if err != nil {
		return fmt.Errorf("list remote %s: %w", remotePath, err)
	}
	for _, e := range entries {
		if err := s.RemoveAll(path.Join(remotePath, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := s.sftp.RemoveDirectory(remotePath); err != nil {
		return fmt.Errorf("remove remote %s: %w", remotePath, err)
	}
	return nil
}

func notExist(err error) error {
	var se *sftp.StatusError
	if errors.As(err, &se) && se.FxCode() == sftp.ErrSSHFxNoSuchFile {
		return os.ErrNotExist
	}
	return err
}
