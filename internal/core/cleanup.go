package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrNoRemoteFolder is reported for a calculation without a remote folder.
var ErrNoRemoteFolder = errors.New("cleanup: calculation has no remote folder")

// Releaser frees the remote working storage behind a RemoteData.
type Releaser interface {
	Release(ctx context.Context, folder RemoteData) error
}

// CleanReport summarises one cleanup sweep.
type CleanReport struct {
	Enabled   bool     `json:"enabled"`
	Attempted int      `json:"attempted"`
	Cleaned   []string `json:"cleaned,omitempty"`
}

// Sweeper releases the remote folders of every calculation a run spawned.
type Sweeper struct {
	Provenance  Provenance
	Releaser    Releaser
	Concurrency int
	Logger      *zerolog.Logger
}

func (s *Sweeper) logger() *zerolog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return &log.Logger
}

// Sweep cleans every calculation below rootID when clean is set. Failures
// of individual units are logged and skipped; Sweep never fails.
func (s *Sweeper) Sweep(ctx context.Context, rootID string, clean bool) CleanReport {
	lg := s.logger().With().Str("run", rootID).Logger()
	if !clean {
		lg.Info().Msg("remote folders will not be cleaned")
		return CleanReport{}
	}
	rep := CleanReport{Enabled: true}
	if s.Provenance == nil || s.Releaser == nil {
		lg.Warn().Msg("cleanup requested but no provenance or releaser configured")
		return rep
	}
	units, err := s.Provenance.Descendants(ctx, rootID)
	if err != nil {
		lg.Warn().Err(err).Msg("could not enumerate spawned units")
		return rep
	}

	limit := s.Concurrency
	if limit <= 0 {
		limit = 4
	}
	var (
		g       errgroup.Group
		mu      sync.Mutex
		cleaned []string
	)
	g.SetLimit(limit)
	for _, u := range units {
		if u.Kind != KindCalculation {
			continue
		}
		rep.Attempted++
		u := u
		g.Go(func() error {
			if err := s.release(ctx, u); err != nil {
				lg.Debug().Err(err).Str("unit", u.ID).Msg("remote folder not cleaned")
				return nil
			}
			mu.Lock()
			cleaned = append(cleaned, u.ID)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(cleaned)
	rep.Cleaned = cleaned
	if len(cleaned) > 0 {
		lg.Info().Strs("units", cleaned).
			Msgf("cleaned remote folders of calculations: %s", strings.Join(cleaned, " "))
	}
	return rep
}

func (s *Sweeper) release(ctx context.Context, u Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup: releaser panicked: %v", r)
		}
	}()
	if u.RemoteFolder == nil {
		return ErrNoRemoteFolder
	}
	return s.Releaser.Release(ctx, *u.RemoteFolder)
}
