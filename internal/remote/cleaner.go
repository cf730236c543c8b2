package remote

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/3cpo-dev/qeapp/internal/core"
)

var (
	ErrForeignHost = errors.New("remote: folder lives on another host")
	ErrUnsafePath  = errors.New("remote: refusing to remove path")
)

// Opener starts a Session.
type Opener func(ctx context.Context) (*Session, error)

// FolderCleaner removes the remote working directories of calculations. It
// implements core.Releaser and shares one SFTP session between concurrent
// releases.
type FolderCleaner struct {
	open Opener
	host string

	mu   sync.Mutex
	sess *Session
}

var _ core.Releaser = (*FolderCleaner)(nil)

// NewFolderCleaner releases folders on host through sessions from open.
// An empty host accepts folders from any host.
func NewFolderCleaner(host string, open Opener) *FolderCleaner {
	return &FolderCleaner{open: open, host: host}
}

func (f *FolderCleaner) session(ctx context.Context) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sess != nil {
		return f.sess, nil
	}
	s, err := f.open(ctx)
	if err != nil {
		return nil, err
	}
	f.sess = s
	return s, nil
}

func (f *FolderCleaner) Release(ctx context.Context, folder core.RemoteData) error {
	if f.host != "" && folder.Host != "" && folder.Host != f.host {
		return fmt.Errorf("%w: %s", ErrForeignHost, folder)
	}
	p := path.Clean(folder.Path)
	if !path.IsAbs(p) || p == "/" {
		return fmt.Errorf("%w %q", ErrUnsafePath, folder.Path)
	}
	s, err := f.session(ctx)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	return s.RemoveAll(p)
}

// Close ends the shared session, if one was opened.
func (f *FolderCleaner) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sess == nil {
		return nil
	}
	err := f.sess.Close()
	f.sess = nil
	return err
}
