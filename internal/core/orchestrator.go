package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/qeapp/internal/params"
)

// State is a state of the pipeline state machine.
type State string

const (
	StateSetup        State = "setup"
	StateRunRelax     State = "run_relax"
	StateInspectRelax State = "inspect_relax"
	StateRunBands     State = "run_bands"
	StateInspectBands State = "inspect_bands"
	StateRunPdos      State = "run_pdos"
	StateInspectPdos  State = "inspect_pdos"
	StateAggregate    State = "aggregate"
	StateFinished     State = "finished"
	StateFailedRelax  State = "failed_relax"
	StateFailedBands  State = "failed_bands"
	StateFailedPdos   State = "failed_pdos"
	StateExcepted     State = "excepted"
)

// Terminal reports whether no transition leaves st.
func (st State) Terminal() bool {
	switch st {
	case StateFinished, StateFailedRelax, StateFailedBands, StateFailedPdos, StateExcepted:
		return true
	}
	return false
}

func runState(s Stage) State {
	return [...]State{StageRelax: StateRunRelax, StageBands: StateRunBands, StagePdos: StateRunPdos}[s]
}

func inspectState(s Stage) State {
	return [...]State{StageRelax: StateInspectRelax, StageBands: StateInspectBands, StagePdos: StateInspectPdos}[s]
}

func failedState(s Stage) State {
	return [...]State{StageRelax: StateFailedRelax, StageBands: StateFailedBands, StagePdos: StateFailedPdos}[s]
}

// SCFLinkLabel is the call link label of the SCF sub-step whose remote
// folder a bands stage leaves for later stages.
const SCFLinkLabel = "scf"

// RootLabel labels the unit that represents a pipeline run in provenance.
const RootLabel = "qeapp"

// RunRecorder persists the history of runs.
type RunRecorder interface {
	CreateRun(ctx context.Context, r RunRecord) error
	FinishRun(ctx context.Context, id string, state State, exitCode int) error
}

// Report describes a finished run.
type Report struct {
	RunID    string        `json:"run_id"`
	State    State         `json:"state"`
	ExitCode int           `json:"exit_code"`
	Failure  *StageError   `json:"-"`
	Stages   []StageResult `json:"stages"`
	Outputs  *Results      `json:"-"`
	Context  Context       `json:"context"`
	Cleanup  CleanReport   `json:"cleanup"`
}

// Orchestrator runs the relax, bands and pdos stages of a pipeline.
type Orchestrator struct {
	launcher      Launcher
	provenance    Provenance
	runs          RunRecorder
	releaser      Releaser
	concurrency   int
	settleTimeout time.Duration
	metrics       *Metrics
	logger        zerolog.Logger
	newID         func() string
}

type Option func(*Orchestrator)

// WithStore persists both run history and provenance in s.
func WithStore(s *Store) Option {
	return func(o *Orchestrator) {
		o.provenance = s
		o.runs = s
	}
}

func WithProvenance(p Provenance) Option { return func(o *Orchestrator) { o.provenance = p } }

func WithRunRecorder(r RunRecorder) Option { return func(o *Orchestrator) { o.runs = r } }

// WithReleaser sets how remote folders are freed during cleanup.
func WithReleaser(r Releaser) Option { return func(o *Orchestrator) { o.releaser = r } }

func WithCleanupConcurrency(n int) Option { return func(o *Orchestrator) { o.concurrency = n } }

func WithMetrics(m *Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithSettleTimeout bounds how long a cancelled stage may take to report
// the units it spawned.
func WithSettleTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.settleTimeout = d } }

// New creates an orchestrator submitting through l. Without WithStore or
// WithProvenance, provenance is kept in memory.
func New(l Launcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		launcher:      l,
		settleTimeout: 30 * time.Second,
		metrics:       NewMetrics(),
		logger:        log.Logger,
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.provenance == nil {
		o.provenance = NewMemoryProvenance()
	}
	return o
}

func (o *Orchestrator) Metrics() *Metrics { return o.metrics }

// Sweeper returns the cleanup sweeper configured for o.
func (o *Orchestrator) Sweeper() *Sweeper {
	return &Sweeper{Provenance: o.provenance, Releaser: o.releaser, Concurrency: o.concurrency, Logger: &o.logger}
}

type run struct {
	id      string
	cfg     *Config
	state   State
	pctx    *Context
	results *Results
	ran     map[Stage]*Outcome
	log     zerolog.Logger
}

func (r *run) transition(st State) {
	r.log.Debug().Str("from", string(r.state)).Str("to", string(st)).Msg("state transition")
	r.state = st
}

// Run executes the configured stages in order and waits for them. A stage
// failure stops the pipeline: the report carries the stage's exit code and
// the returned error is a *StageError. Other errors come from the launcher
// or from invalid configuration. The cleanup sweep runs before Run returns
// whenever a run was started.
func (o *Orchestrator) Run(ctx context.Context, cfg *Config) (*Report, error) {
	if cfg == nil {
		return nil, ErrStructureRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	plan := cfg.Plan()
	pctx, err := NewContext(cfg.Structure)
	if err != nil {
		return nil, err
	}

	id := o.newID()
	r := &run{
		id:      id,
		cfg:     cfg,
		state:   StateSetup,
		pctx:    pctx,
		results: NewResults(),
		ran:     map[Stage]*Outcome{},
		log:     o.logger.With().Str("run", id).Logger(),
	}
	rep := &Report{RunID: id, Outputs: r.results}
	if err := o.begin(ctx, r); err != nil {
		return nil, err
	}
	defer o.terminate(ctx, r, rep)

	r.log.Info().Strs("stages", stageNames(plan)).Msg("pipeline configured")
	for _, s := range plan {
		res, err := o.runStage(ctx, r, s)
		if err != nil {
			r.transition(StateExcepted)
			return rep, err
		}
		rep.Stages = append(rep.Stages, res)
		if !res.OK {
			r.transition(failedState(s))
			rep.ExitCode = res.ExitCode
			rep.Failure = res.Err()
			return rep, rep.Failure
		}
	}

	r.transition(StateAggregate)
	if err := Aggregate(r.results, r.ran); err != nil {
		r.transition(StateExcepted)
		return rep, fmt.Errorf("aggregate results: %w", err)
	}
	r.transition(StateFinished)
	return rep, nil
}

func (o *Orchestrator) begin(ctx context.Context, r *run) error {
	if o.runs != nil {
		rec := RunRecord{ID: r.id, Label: r.cfg.Label, State: StateSetup, CleanWorkdir: r.cfg.CleanWorkdir, StartedAt: time.Now()}
		if err := o.runs.CreateRun(ctx, rec); err != nil {
			return fmt.Errorf("record run: %w", err)
		}
	}
	if err := o.provenance.RecordUnit(ctx, r.id, Unit{ID: r.id, Label: RootLabel, Kind: KindWorkflow}); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// terminate finalises the report, records the terminal state and sweeps
// remote folders. It runs even when ctx was cancelled.
func (o *Orchestrator) terminate(ctx context.Context, r *run, rep *Report) {
	ctx = context.WithoutCancel(ctx)
	r.results.Freeze()
	rep.State = r.state
	rep.Context = *r.pctx
	if o.runs != nil {
		if err := o.runs.FinishRun(ctx, r.id, r.state, rep.ExitCode); err != nil {
			r.log.Warn().Err(err).Msg("could not record terminal state")
		}
	}
	rep.Cleanup = o.Sweeper().Sweep(ctx, r.id, r.cfg.CleanWorkdir)
	r.log.Info().Str("state", string(r.state)).Int("exit_code", rep.ExitCode).Msg("pipeline terminated")
}

func (o *Orchestrator) runStage(ctx context.Context, r *run, s Stage) (StageResult, error) {
	r.transition(runState(s))
	in := Build(s, r.pctx, r.cfg)
	if err := checkInputs(in); err != nil {
		return StageResult{}, err
	}
	start := time.Now()
	inv, err := o.launcher.Submit(ctx, in)
	if err != nil {
		return StageResult{}, fmt.Errorf("submit %s: %w", s.Workflow(), err)
	}
	o.metrics.RecordSubmit(s)
	defer func() { o.metrics.RecordDuration(s, time.Since(start)) }()
	r.log.Info().Str("stage", s.String()).Str("pk", inv.ID()).Msgf("launching %s<%s>", s.Workflow(), inv.ID())
	o.record(ctx, r, Unit{ID: inv.ID(), Parent: r.id, Label: in.CallLinkLabel, Kind: KindWorkflow})

	r.transition(inspectState(s))
	out, err := inv.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		out = o.settle(ctx, r, inv)
	}
	if out != nil {
		for i := range out.Called {
			if out.Called[i].Parent == "" {
				out.Called[i].Parent = inv.ID()
			}
			o.record(context.WithoutCancel(ctx), r, out.Called[i])
		}
	}
	if err != nil {
		return StageResult{}, fmt.Errorf("wait for %s<%s>: %w", s.Workflow(), inv.ID(), err)
	}
	if out == nil {
		return StageResult{}, fmt.Errorf("wait for %s<%s>: %w", s.Workflow(), inv.ID(), errors.New("no outcome"))
	}
	return o.inspect(r, s, inv, out), nil
}

// settle gives a cancelled invocation a bounded time to report the units
// it spawned so the cleanup sweep can see them.
func (o *Orchestrator) settle(ctx context.Context, r *run, inv Invocation) *Outcome {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.settleTimeout)
	defer cancel()
	out, err := inv.Wait(sctx)
	if out == nil {
		r.log.Warn().Err(err).Str("pk", inv.ID()).Msg("cancelled invocation reported no units")
	}
	return out
}

// checkInputs rejects stage inputs that cannot run.
func checkInputs(in StageInputs) error {
	if p := in.Pdos; p != nil && p.SCF == nil && p.NSCF.ParentFolder == nil {
		return fmt.Errorf("%w: bands reported no reusable scf folder", ErrPdosWithoutSCF)
	}
	return nil
}

func (o *Orchestrator) record(ctx context.Context, r *run, u Unit) {
	if err := o.provenance.RecordUnit(ctx, r.id, u); err != nil {
		r.log.Warn().Err(err).Str("unit", u.ID).Msg("could not record unit")
	}
}

func (o *Orchestrator) inspect(r *run, s Stage, inv Invocation, out *Outcome) StageResult {
	res := StageResult{Stage: s, InvocationID: inv.ID(), OK: out.FinishedOK}
	if !out.FinishedOK {
		res.ExitCode = s.ExitCode()
		res.SubExitStatus = out.ExitStatus
		res.Message = out.Message
		o.metrics.RecordFailure(s)
		r.log.Error().Str("stage", s.String()).Int("exit_status", out.ExitStatus).
			Msgf("%s failed with exit status %d", s.Workflow(), out.ExitStatus)
		return res
	}
	r.ran[s] = out
	switch s {
	case StageRelax:
		o.inspectRelax(r, out)
	case StageBands:
		o.inspectBands(r, inv, out)
	}
	return res
}

func (o *Orchestrator) inspectRelax(r *run, out *Outcome) {
	st := out.Outputs.OutputStructure
	if st == nil {
		return
	}
	r.pctx.CurrentStructure = st
	if n, ok := out.Outputs.OutputParameters.Int(params.P("number_of_bands")); ok {
		r.pctx.CurrentBandCount = &n
	}
	if err := r.results.Out(OutStructure, st); err != nil {
		r.log.Warn().Err(err).Msg("could not publish relaxed structure")
	}
}

func (o *Orchestrator) inspectBands(r *run, inv Invocation, out *Outcome) {
	if st := out.Outputs.PrimitiveStructure; st != nil {
		r.pctx.CurrentStructure = st
	}
	for _, u := range out.Called {
		if u.Parent == inv.ID() && u.Label == SCFLinkLabel && u.RemoteFolder != nil {
			folder := *u.RemoteFolder
			r.pctx.ReusableSCFState = &folder
			return
		}
	}
	r.log.Warn().Str("pk", inv.ID()).Msg("bands stage reported no scf remote folder; pdos needs its own scf namespace")
}

func stageNames(plan []Stage) []string {
	out := make([]string, len(plan))
	for i, s := range plan {
		out[i] = s.String()
	}
	return out
}
