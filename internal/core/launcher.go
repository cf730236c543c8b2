package core

import (
	"context"

	"github.com/3cpo-dev/qeapp/internal/params"
)

// Launcher dispatches sub-workflows. Submit must not block until the
// sub-workflow finishes; waiting happens on the returned Invocation.
type Launcher interface {
	Submit(ctx context.Context, in StageInputs) (Invocation, error)
}

// Invocation is a submitted sub-workflow.
type Invocation interface {
	ID() string
	// Wait blocks until the sub-workflow reaches a terminal state. On error
	// the Outcome may still list the units spawned so far.
	Wait(ctx context.Context) (*Outcome, error)
}

// Outcome is the terminal record of a sub-workflow.
type Outcome struct {
	FinishedOK bool    `yaml:"finished_ok"`
	ExitStatus int     `yaml:"exit_status"`
	Message    string  `yaml:"message,omitempty"`
	Outputs    Outputs `yaml:"outputs"`
	// Called lists every unit the sub-workflow spawned, at any depth.
	Called []Unit `yaml:"called,omitempty"`
}

// Outputs is the union of the outputs declared by the three sub-workflows.
// Any field may be missing.
type Outputs struct {
	OutputStructure    *Structure      `yaml:"output_structure,omitempty"`
	OutputParameters   params.Map      `yaml:"output_parameters,omitempty"`
	PrimitiveStructure *Structure      `yaml:"primitive_structure,omitempty"`
	BandParameters     params.Map      `yaml:"band_parameters,omitempty"`
	BandStructure      *BandStructure  `yaml:"band_structure,omitempty"`
	NSCF               *NSCFOutputs    `yaml:"nscf,omitempty"`
	Dos                *DosOutputs     `yaml:"dos,omitempty"`
	Projwfc            *ProjwfcOutputs `yaml:"projwfc,omitempty"`
}

type NSCFOutputs struct {
	OutputParameters params.Map `yaml:"output_parameters,omitempty"`
}

type DosOutputs struct {
	OutputDos *XYData `yaml:"output_dos,omitempty"`
}

type ProjwfcOutputs struct {
	Projections     *Projections `yaml:"projections,omitempty"`
	ProjectionsUp   *Projections `yaml:"projections_up,omitempty"`
	ProjectionsDown *Projections `yaml:"projections_down,omitempty"`
}

// UnitKind distinguishes workflows from the calculations that hold remote
// working directories.
type UnitKind string

const (
	KindWorkflow    UnitKind = "workflow"
	KindCalculation UnitKind = "calculation"
)

// Unit is one computational unit in the provenance of a run.
type Unit struct {
	ID           string      `yaml:"id"`
	Parent       string      `yaml:"parent,omitempty"`
	Label        string      `yaml:"label,omitempty"`
	Kind         UnitKind    `yaml:"kind"`
	RemoteFolder *RemoteData `yaml:"remote_folder,omitempty"`
}
