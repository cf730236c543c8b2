package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/qeapp/internal/params"
)

func successfulLauncher() (*fakeLauncher, *Structure, *Structure, RemoteData) {
	relaxed := silicon("relaxed")
	primitive := silicon("primitive")
	scfFolder := RemoteData{Host: "hpc", Path: "/scratch/bands-scf"}
	l := newFakeLauncher()
	l.outcomes[StageRelax] = &Outcome{
		FinishedOK: true,
		Outputs: Outputs{
			OutputStructure:  relaxed,
			OutputParameters: params.Map{"number_of_bands": 24},
		},
		Called: []Unit{calc("relax-calc", "", "/scratch/relax")},
	}
	l.outcomes[StageBands] = &Outcome{
		FinishedOK: true,
		Outputs: Outputs{
			PrimitiveStructure: primitive,
			BandParameters:     params.Map{"number_of_bands": 24},
			BandStructure:      &BandStructure{Bands: [][]float64{{-5.6, 6.2}}},
		},
		Called: []Unit{
			{ID: "bands-scf", Label: SCFLinkLabel, Kind: KindWorkflow, RemoteFolder: &scfFolder},
			calc("bands-scf-calc", "bands-scf", scfFolder.Path),
			{ID: "bands-bands", Label: "bands", Kind: KindWorkflow},
			calc("bands-bands-calc", "bands-bands", "/scratch/bands-bands"),
		},
	}
	l.outcomes[StagePdos] = &Outcome{
		FinishedOK: true,
		Outputs: Outputs{
			NSCF: &NSCFOutputs{OutputParameters: params.Map{"fermi_energy": 6.1}},
			Dos:  &DosOutputs{OutputDos: &XYData{XName: "energy"}},
			Projwfc: &ProjwfcOutputs{
				ProjectionsUp:   &Projections{Energy: []float64{0}},
				ProjectionsDown: &Projections{Energy: []float64{0}},
			},
		},
		Called: []Unit{calc("pdos-nscf-calc", "", "/scratch/pdos-nscf")},
	}
	return l, relaxed, primitive, scfFolder
}

func TestRunThreadsContextThroughAllStages(t *testing.T) {
	l, relaxed, primitive, scfFolder := successfulLauncher()
	cfg := fullConfig()
	o := quietOrchestrator(l)

	rep, err := o.Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, StateFinished, rep.State)
	assert.Equal(t, 0, rep.ExitCode)
	assert.Equal(t, []Stage{StageRelax, StageBands, StagePdos}, l.stages())

	relaxIn, _ := l.inputs(StageRelax)
	assert.Same(t, cfg.Structure, relaxIn.Structure)

	bandsIn, ok := l.inputs(StageBands)
	require.True(t, ok)
	assert.Same(t, relaxed, bandsIn.Structure)
	nbnd, ok := bandsIn.Bands.SCF.Parameters.Int(NbndPath)
	require.True(t, ok)
	assert.Equal(t, 24, nbnd)

	pdosIn, ok := l.inputs(StagePdos)
	require.True(t, ok)
	assert.Same(t, primitive, pdosIn.Structure)
	assert.Nil(t, pdosIn.Pdos.SCF, "pdos must reuse the bands scf")
	require.NotNil(t, pdosIn.Pdos.NSCF.ParentFolder)
	assert.Equal(t, scfFolder, *pdosIn.Pdos.NSCF.ParentFolder)
	nbnd, _ = pdosIn.Pdos.NSCF.Parameters.Int(NbndPath)
	assert.Equal(t, 24, nbnd)

	assert.Equal(t, []string{
		OutBandParameters, OutBandStructure, OutDos, OutNSCFParameters,
		OutProjectionsDown, OutProjectionsUp, OutStructure,
	}, rep.Outputs.Keys())
	assert.True(t, rep.Outputs.Frozen())
	assert.Same(t, primitive, rep.Context.CurrentStructure)

	// The configuration is left untouched.
	assert.NotNil(t, cfg.Pdos.SCF)
	assert.False(t, cfg.Bands.SCF.Parameters.Has(NbndPath))
}

func TestRunWithoutRelaxUsesInputStructure(t *testing.T) {
	l := newFakeLauncher()
	cfg := fullConfig()
	cfg.Relax = nil
	cfg.Pdos = nil

	rep, err := quietOrchestrator(l).Run(context.Background(), cfg)
	require.NoError(t, err)
	bandsIn, ok := l.inputs(StageBands)
	require.True(t, ok)
	assert.Same(t, cfg.Structure, bandsIn.Structure)
	assert.False(t, bandsIn.Bands.SCF.Parameters.Has(NbndPath))
	assert.Equal(t, []Stage{StageBands}, l.stages())
	assert.Equal(t, StateFinished, rep.State)
}

func TestRelaxWithoutOutputStructureKeepsContext(t *testing.T) {
	l := newFakeLauncher()
	l.outcomes[StageRelax] = &Outcome{FinishedOK: true, Outputs: Outputs{OutputParameters: params.Map{"number_of_bands": 24}}}
	cfg := fullConfig()
	cfg.Pdos = nil

	rep, err := quietOrchestrator(l).Run(context.Background(), cfg)
	require.NoError(t, err)
	bandsIn, _ := l.inputs(StageBands)
	assert.Same(t, cfg.Structure, bandsIn.Structure)
	assert.False(t, bandsIn.Bands.SCF.Parameters.Has(NbndPath))
	_, ok := rep.Outputs.Get(OutStructure)
	assert.False(t, ok)
}

func TestBandCountDoesNotOverwriteStageValue(t *testing.T) {
	l, _, _, _ := successfulLauncher()
	cfg := fullConfig()
	cfg.Bands.SCF.Parameters.ForceSet(NbndPath, 30)
	cfg.Pdos.NSCF.Parameters.ForceSet(NbndPath, 40)

	_, err := quietOrchestrator(l).Run(context.Background(), cfg)
	require.NoError(t, err)

	bandsIn, _ := l.inputs(StageBands)
	n, _ := bandsIn.Bands.SCF.Parameters.Int(NbndPath)
	assert.Equal(t, 30, n)
	pdosIn, _ := l.inputs(StagePdos)
	n, _ = pdosIn.Pdos.NSCF.Parameters.Int(NbndPath)
	assert.Equal(t, 40, n)
}

func TestPdosRunsOwnSCFWithoutBands(t *testing.T) {
	l := newFakeLauncher()
	cfg := fullConfig()
	cfg.Relax = nil
	cfg.Bands = nil
	cfg.Overrides = Overrides{KpointsDistance: fptr(0.3), Degauss: fptr(0.02), Smearing: sptr("mv")}

	_, err := quietOrchestrator(l).Run(context.Background(), cfg)
	require.NoError(t, err)
	in, ok := l.inputs(StagePdos)
	require.True(t, ok)
	require.NotNil(t, in.Pdos.SCF)
	assert.Nil(t, in.Pdos.NSCF.ParentFolder)
	assert.Equal(t, 0.3, *in.Pdos.SCF.KpointsDistance)
	v, _ := in.Pdos.SCF.Parameters.Get(DegaussPath)
	assert.Equal(t, 0.02, v)

	// The nscf calculation never receives overrides.
	assert.Equal(t, 0.15, *in.Pdos.NSCF.KpointsDistance)
	assert.False(t, in.Pdos.NSCF.Parameters.Has(DegaussPath))
}

func TestStageFailureStopsPipeline(t *testing.T) {
	tests := []struct {
		failing   Stage
		code      int
		state     State
		submitted []Stage
	}{
		{StageRelax, ExitRelaxFailed, StateFailedRelax, []Stage{StageRelax}},
		{StageBands, ExitBandsFailed, StateFailedBands, []Stage{StageRelax, StageBands}},
		{StagePdos, ExitPdosFailed, StateFailedPdos, []Stage{StageRelax, StageBands, StagePdos}},
	}
	for _, tt := range tests {
		t.Run(tt.failing.String(), func(t *testing.T) {
			l, _, _, _ := successfulLauncher()
			l.outcomes[tt.failing] = &Outcome{FinishedOK: false, ExitStatus: 310, Message: "scf did not converge"}

			rep, err := quietOrchestrator(l).Run(context.Background(), fullConfig())
			require.Error(t, err)
			var se *StageError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.failing, se.Stage)
			assert.Equal(t, 310, se.SubExitStatus)
			assert.Equal(t, tt.code, rep.ExitCode)
			assert.Equal(t, tt.state, rep.State)
			assert.Equal(t, tt.submitted, l.stages())
			assert.False(t, rep.Stages[len(rep.Stages)-1].OK)

			// Outputs of later stages are never aggregated.
			_, ok := rep.Outputs.Get(OutBandStructure)
			assert.False(t, ok)
		})
	}
}

func TestEarlierOutputsSurviveLaterFailure(t *testing.T) {
	l, relaxed, _, _ := successfulLauncher()
	l.outcomes[StageBands] = &Outcome{FinishedOK: false, ExitStatus: 401}

	rep, err := quietOrchestrator(l).Run(context.Background(), fullConfig())
	require.Error(t, err)
	v, ok := rep.Outputs.Get(OutStructure)
	require.True(t, ok, "outputs of earlier successful stages stay available")
	assert.Same(t, relaxed, v)
}

func TestSubmitErrorIsNotAStageFailure(t *testing.T) {
	l := newFakeLauncher()
	l.submitErr[StageBands] = errors.New("queue unavailable")
	rel := &fakeReleaser{}
	l.outcomes[StageRelax] = &Outcome{FinishedOK: true, Called: []Unit{calc("relax-calc", "", "/scratch/relax")}}
	cfg := fullConfig()
	cfg.CleanWorkdir = true

	rep, err := quietOrchestrator(l, WithReleaser(rel)).Run(context.Background(), cfg)
	require.Error(t, err)
	var se *StageError
	assert.False(t, errors.As(err, &se))
	assert.Equal(t, StateExcepted, rep.State)
	assert.Equal(t, 0, rep.ExitCode)
	assert.Equal(t, []Stage{StageRelax}, l.stages())
	assert.Equal(t, []string{"relax-calc"}, rep.Cleanup.Cleaned)
}

func TestCancelledWaitStillCleans(t *testing.T) {
	l := newFakeLauncher()
	l.outcomes[StageRelax] = &Outcome{FinishedOK: true, Called: []Unit{calc("relax-calc", "", "/scratch/relax")}}
	l.waitErr[StageBands] = context.Canceled
	rel := &fakeReleaser{}
	cfg := fullConfig()
	cfg.CleanWorkdir = true

	rep, err := quietOrchestrator(l, WithReleaser(rel)).Run(context.Background(), cfg)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateExcepted, rep.State)
	assert.Equal(t, 1, rel.callCount())
}

func TestRunCleansAllSpawnedCalculations(t *testing.T) {
	l, _, _, _ := successfulLauncher()
	rel := &fakeReleaser{fail: map[string]error{"/scratch/bands-bands": errors.New("permission denied")}}
	cfg := fullConfig()
	cfg.CleanWorkdir = true

	rep, err := quietOrchestrator(l, WithReleaser(rel)).Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 4, rel.callCount())
	assert.Equal(t, 4, rep.Cleanup.Attempted)
	assert.Equal(t, []string{"bands-scf-calc", "pdos-nscf-calc", "relax-calc"}, rep.Cleanup.Cleaned)
}

func TestRunWithoutCleanFlagReleasesNothing(t *testing.T) {
	l, _, _, _ := successfulLauncher()
	rel := &fakeReleaser{}

	rep, err := quietOrchestrator(l, WithReleaser(rel)).Run(context.Background(), fullConfig())
	require.NoError(t, err)
	assert.Equal(t, 0, rel.callCount())
	assert.False(t, rep.Cleanup.Enabled)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	l := newFakeLauncher()
	o := quietOrchestrator(l)

	_, err := o.Run(context.Background(), &Config{})
	assert.ErrorIs(t, err, ErrStructureRequired)

	cfg := fullConfig()
	cfg.Overrides.KpointsDistance = fptr(-1)
	_, err = o.Run(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrInvalidOverride)
	assert.Empty(t, l.stages())
}

func TestRunRecordsMetrics(t *testing.T) {
	l, _, _, _ := successfulLauncher()
	l.outcomes[StagePdos] = &Outcome{FinishedOK: false, ExitStatus: 1}
	o := quietOrchestrator(l)

	_, _ = o.Run(context.Background(), fullConfig())
	assert.Equal(t, int64(1), o.Metrics().Stats(StageBands).Submitted)
	assert.Equal(t, int64(0), o.Metrics().Stats(StageBands).Failed)
	assert.Equal(t, int64(1), o.Metrics().Stats(StagePdos).Failed)
}

func TestRunPersistsHistoryAndProvenance(t *testing.T) {
	store, err := NewStore(t.TempDir() + "/qeapp.db")
	require.NoError(t, err)
	defer store.Close()

	l, _, _, _ := successfulLauncher()
	l.outcomes[StagePdos] = &Outcome{FinishedOK: false, ExitStatus: 2}
	o := quietOrchestrator(l, WithStore(store))

	rep, _ := o.Run(context.Background(), fullConfig())
	rec, err := store.GetRun(context.Background(), rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, StateFailedPdos, rec.State)
	assert.Equal(t, ExitPdosFailed, rec.ExitCode)
	assert.False(t, rec.FinishedAt.IsZero())

	units, err := store.Descendants(context.Background(), rep.RunID)
	require.NoError(t, err)
	var ids []string
	for _, u := range units {
		ids = append(ids, u.ID)
	}
	assert.ElementsMatch(t, []string{
		"relax-wf", "relax-calc",
		"bands-wf", "bands-scf", "bands-scf-calc", "bands-bands", "bands-bands-calc",
		"pdos-wf",
	}, ids)
}

func TestPdosWithoutReusableSCFIsExcepted(t *testing.T) {
	l := newFakeLauncher()
	l.outcomes[StageBands] = &Outcome{FinishedOK: true}
	rel := &fakeReleaser{}
	cfg := fullConfig()
	cfg.Relax = nil
	cfg.Pdos.SCF = nil
	cfg.CleanWorkdir = true

	rep, err := quietOrchestrator(l, WithReleaser(rel)).Run(context.Background(), cfg)
	require.ErrorIs(t, err, ErrPdosWithoutSCF)
	assert.Equal(t, StateExcepted, rep.State)
	assert.Equal(t, 0, rep.ExitCode)
	assert.Equal(t, []Stage{StageBands}, l.stages())
	assert.True(t, rep.Cleanup.Enabled)
}

// settlingInvocation is interrupted by the first Wait and reports its
// spawned units on the next one.
type settlingInvocation struct {
	waits int
	out   *Outcome
}

func (s *settlingInvocation) ID() string { return "bands-wf" }

func (s *settlingInvocation) Wait(context.Context) (*Outcome, error) {
	s.waits++
	if s.waits == 1 {
		return nil, context.Canceled
	}
	return s.out, context.Canceled
}

type singleLauncher struct{ inv Invocation }

func (l singleLauncher) Submit(context.Context, StageInputs) (Invocation, error) { return l.inv, nil }

func TestCancelledStageUnitsAreCleaned(t *testing.T) {
	inv := &settlingInvocation{out: &Outcome{Called: []Unit{
		calc("bands-scf-calc", "", "/scratch/bands-scf"),
		calc("bands-wf/submission", "bands-wf", "/scratch/qeapp/bands-wf"),
	}}}
	rel := &fakeReleaser{}
	cfg := fullConfig()
	cfg.Relax, cfg.Pdos = nil, nil
	cfg.CleanWorkdir = true
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := quietOrchestrator(singleLauncher{inv}, WithReleaser(rel), WithSettleTimeout(time.Second)).Run(ctx, cfg)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateExcepted, rep.State)
	assert.Equal(t, 2, inv.waits)
	assert.Equal(t, 2, rel.callCount())
	assert.Equal(t, []string{"bands-scf-calc", "bands-wf/submission"}, rep.Cleanup.Cleaned)
}
