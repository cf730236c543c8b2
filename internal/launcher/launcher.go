// Package launcher runs pipeline stages on a remote host over SSH.
//
// Every submission gets its own directory below the configured workdir.
// The resolved stage inputs are written there as inputs.yaml, then
//
//	<command> <stage> <dir>
//
// is run on the host. The command is expected to leave outcome.yaml in the
// same directory before it exits.
package launcher

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/qeapp/internal/core"
	"github.com/3cpo-dev/qeapp/internal/remote"
)

const (
	InputsFile  = "inputs.yaml"
	OutcomeFile = "outcome.yaml"

	// SubmissionLabel labels the unit of a submission directory.
	SubmissionLabel = "submission"
)

var ErrNoOutcome = errors.New("launcher: command finished without an outcome")

// Runner is the remote side of one submission.
type Runner interface {
	WriteFile(remotePath string, data []byte) error
	ReadFile(remotePath string) ([]byte, error)
	Run(ctx context.Context, command string) (remote.Result, error)
	Close() error
}

// Opener starts a Runner for one submission.
type Opener func(ctx context.Context) (Runner, error)

// SessionOpener adapts a remote client to an Opener.
func SessionOpener(c *remote.Client) Opener {
	return func(ctx context.Context) (Runner, error) {
		s, err := c.Open(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

type Options struct {
	// Host is recorded on remote folders the outcome leaves unqualified.
	Host    string
	Workdir string
	Command string
	Logger  *zerolog.Logger
}

// SSH implements core.Launcher.
type SSH struct {
	open    Opener
	host    string
	workdir string
	command string
	logger  zerolog.Logger
	newID   func() string
}

var _ core.Launcher = (*SSH)(nil)

func New(open Opener, opts Options) (*SSH, error) {
	if opts.Workdir == "" || !path.IsAbs(opts.Workdir) {
		return nil, errors.Errorf("launcher: workdir must be an absolute path, got %q", opts.Workdir)
	}
	if opts.Command == "" {
		return nil, errors.New("launcher: command is required")
	}
	l := &SSH{
		open:    open,
		host:    opts.Host,
		workdir: opts.Workdir,
		command: opts.Command,
		logger:  log.Logger,
		newID:   uuid.NewString,
	}
	if opts.Logger != nil {
		l.logger = *opts.Logger
	}
	return l, nil
}

// Submit pushes the stage inputs and starts the stage command. It returns
// once the command is running.
func (l *SSH) Submit(ctx context.Context, in core.StageInputs) (core.Invocation, error) {
	id := l.newID()
	dir := path.Join(l.workdir, id)
	data, err := yaml.Marshal(in)
	if err != nil {
		return nil, errors.Wrap(err, "unable to encode stage inputs")
	}
	r, err := l.open(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open remote session")
	}
	if err := r.WriteFile(path.Join(dir, InputsFile), data); err != nil {
		_ = r.Close()
		return nil, errors.Wrapf(err, "unable to push inputs to %s", dir)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	inv := &invocation{
		id:     id,
		dir:    dir,
		host:   l.host,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	cmd := fmt.Sprintf("%s %s %s", l.command, quote(in.Stage.String()), quote(dir))
	lg := l.logger.With().Str("pk", id).Str("stage", in.Stage.String()).Logger()
	lg.Debug().Str("command", cmd).Msg("starting remote stage")
	go func() {
		defer close(inv.done)
		defer cancel()
		defer r.Close()
		res, err := r.Run(runCtx, cmd)
		if err != nil {
			inv.err = errors.Wrapf(err, "unable to run %s", cmd)
			inv.outcome = inv.partial(r)
			return
		}
		if res.ExitStatus != 0 {
			lg.Debug().Int("exit_status", res.ExitStatus).Msg("remote stage command exited non-zero")
		}
		inv.outcome, inv.err = inv.collect(r, res)
		if inv.outcome == nil {
			inv.outcome = &core.Outcome{}
		}
		inv.outcome.Called = append(inv.outcome.Called, inv.submission())
	}()
	return inv, nil
}

type invocation struct {
	id     string
	dir    string
	host   string
	done   chan struct{}
	cancel context.CancelFunc

	outcome *core.Outcome
	err     error
}

func (i *invocation) ID() string { return i.id }

// Wait returns the outcome once the remote command has exited. Cancelling
// ctx terminates the remote command. The outcome lists the submission
// directory as a calculation unit, also when err is set.
func (i *invocation) Wait(ctx context.Context) (*core.Outcome, error) {
	select {
	case <-ctx.Done():
		i.cancel()
		return nil, ctx.Err()
	case <-i.done:
		return i.outcome, i.err
	}
}

func (i *invocation) collect(r Runner, res remote.Result) (*core.Outcome, error) {
	data, err := r.ReadFile(path.Join(i.dir, OutcomeFile))
	switch {
	case errors.Is(err, os.ErrNotExist) && res.ExitStatus != 0:
		return &core.Outcome{ExitStatus: res.ExitStatus, Message: strings.TrimSpace(res.Stderr)}, nil
	case errors.Is(err, os.ErrNotExist):
		return nil, errors.Wrap(ErrNoOutcome, i.dir)
	case err != nil:
		return nil, errors.Wrap(err, "unable to pull outcome")
	}
	return decodeOutcome(data, i.host)
}

// partial reads whatever outcome an interrupted stage left behind.
func (i *invocation) partial(r Runner) *core.Outcome {
	out := &core.Outcome{}
	if data, err := r.ReadFile(path.Join(i.dir, OutcomeFile)); err == nil {
		if decoded, err := decodeOutcome(data, i.host); err == nil {
			out = decoded
		}
	}
	out.FinishedOK = false
	out.Called = append(out.Called, i.submission())
	return out
}

// submission is the unit holding the pushed inputs and the outcome file.
func (i *invocation) submission() core.Unit {
	return core.Unit{
		ID:           i.id + "/submission",
		Parent:       i.id,
		Label:        SubmissionLabel,
		Kind:         core.KindCalculation,
		RemoteFolder: &core.RemoteData{Host: i.host, Path: i.dir},
	}
}

func decodeOutcome(data []byte, host string) (*core.Outcome, error) {
	var out core.Outcome
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "unable to decode outcome")
	}
	for j := range out.Called {
		if rf := out.Called[j].RemoteFolder; rf != nil && rf.Host == "" {
			rf.Host = host
		}
	}
	return &out, nil
}

// quote wraps s in single quotes for a POSIX shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
