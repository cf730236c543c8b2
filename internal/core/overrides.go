package core

import "github.com/3cpo-dev/qeapp/internal/params"

// Locations written by the overrides inside pw.x parameters.
var (
	DegaussPath  = params.P("SYSTEM.degauss")
	SmearingPath = params.P("SYSTEM.smearing")
	NbndPath     = params.P("SYSTEM.nbnd")
)

// Overrides are pipeline level values applied to the SCF calculations of
// every active stage. They never touch the non-self-consistent runs.
type Overrides struct {
	KpointsDistance *float64 `yaml:"kpoints_distance,omitempty"`
	Degauss         *float64 `yaml:"degauss,omitempty"`
	Smearing        *string  `yaml:"smearing,omitempty"`
}

// Empty reports whether no override is set.
func (o Overrides) Empty() bool {
	return o.KpointsDistance == nil && o.Degauss == nil && o.Smearing == nil
}

// Project returns a copy of base with the degauss and smearing overrides
// written into the SYSTEM section. An override always wins over a value
// already present in base.
func (o Overrides) Project(base params.Map) params.Map {
	out := base.Clone()
	if o.Degauss != nil {
		out.ForceSet(DegaussPath, *o.Degauss)
	}
	if o.Smearing != nil {
		out.ForceSet(SmearingPath, *o.Smearing)
	}
	return out
}

// ProjectPw returns a copy of in with all overrides applied. The k-points
// distance override replaces the stage's distance unless the stage pins an
// explicit mesh.
func (o Overrides) ProjectPw(in PwInputs) PwInputs {
	out := in.clone()
	if o.KpointsDistance != nil && out.Kpoints == nil {
		out.KpointsDistance = cloneFloat(o.KpointsDistance)
	}
	out.Parameters = o.Project(out.Parameters)
	return out
}
