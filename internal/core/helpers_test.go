package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/qeapp/internal/params"
)

type fakeInvocation struct {
	id      string
	outcome *Outcome
	err     error
}

func (f *fakeInvocation) ID() string { return f.id }

func (f *fakeInvocation) Wait(ctx context.Context) (*Outcome, error) {
	if f.err != nil {
		return nil, f.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.outcome, nil
}

// fakeLauncher answers each stage with a canned outcome.
type fakeLauncher struct {
	mu        sync.Mutex
	outcomes  map[Stage]*Outcome
	submitErr map[Stage]error
	waitErr   map[Stage]error
	submitted []StageInputs
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		outcomes:  map[Stage]*Outcome{},
		submitErr: map[Stage]error{},
		waitErr:   map[Stage]error{},
	}
}

func (f *fakeLauncher) Submit(_ context.Context, in StageInputs) (Invocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.submitErr[in.Stage]; err != nil {
		return nil, err
	}
	f.submitted = append(f.submitted, in)
	out, ok := f.outcomes[in.Stage]
	if !ok {
		out = &Outcome{FinishedOK: true}
	}
	return &fakeInvocation{id: in.CallLinkLabel + "-wf", outcome: out, err: f.waitErr[in.Stage]}, nil
}

func (f *fakeLauncher) inputs(s Stage) (StageInputs, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, in := range f.submitted {
		if in.Stage == s {
			return in, true
		}
	}
	return StageInputs{}, false
}

func (f *fakeLauncher) stages() []Stage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Stage
	for _, in := range f.submitted {
		out = append(out, in.Stage)
	}
	return out
}

// fakeReleaser fails for the folders listed in fail.
type fakeReleaser struct {
	mu    sync.Mutex
	fail  map[string]error
	calls []RemoteData
}

func (f *fakeReleaser) Release(_ context.Context, folder RemoteData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, folder)
	if err, ok := f.fail[folder.Path]; ok {
		return err
	}
	return nil
}

func (f *fakeReleaser) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func fptr(v float64) *float64 { return &v }
func sptr(v string) *string    { return &v }

func silicon(label string) *Structure {
	return &Structure{
		Label: label,
		Cell:  [3][3]float64{{0, 2.7, 2.7}, {2.7, 0, 2.7}, {2.7, 2.7, 0}},
		PBC:   [3]bool{true, true, true},
		Sites: []Site{{Symbol: "Si"}, {Symbol: "Si", Position: [3]float64{1.35, 1.35, 1.35}}},
	}
}

func pw(system params.Map) PwInputs {
	return PwInputs{
		Code:            "pw@localhost",
		KpointsDistance: fptr(0.15),
		Parameters:      params.Map{"CONTROL": params.Map{"calculation": "scf"}, "SYSTEM": system},
	}
}

func calc(id, parent, path string) Unit {
	return Unit{ID: id, Parent: parent, Kind: KindCalculation, RemoteFolder: &RemoteData{Host: "hpc", Path: path}}
}

func fullConfig() *Config {
	scf := pw(params.Map{"ecutwfc": 30.0})
	return &Config{
		Structure: silicon("input"),
		Relax:     &RelaxInputs{Base: pw(params.Map{"degauss": 0.05}), RelaxType: "positions"},
		Bands:     &BandsInputs{SCF: pw(params.Map{"ecutwfc": 30.0}), Bands: pw(params.Map{"ecutwfc": 30.0})},
		Pdos:      &PdosInputs{SCF: &scf, NSCF: pw(params.Map{"occupations": "tetrahedra"})},
	}
}

func quietOrchestrator(l Launcher, opts ...Option) *Orchestrator {
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	o := New(l, opts...)
	n := 0
	o.newID = func() string {
		n++
		return fmt.Sprintf("run-%d", n)
	}
	return o
}
