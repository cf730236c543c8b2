package core

import "github.com/3cpo-dev/qeapp/internal/params"

// PwInputs are the inputs of one pw.x base workflow.
type PwInputs struct {
	Code            string      `yaml:"code,omitempty"`
	PseudoFamily    string      `yaml:"pseudo_family,omitempty"`
	KpointsDistance *float64    `yaml:"kpoints_distance,omitempty"`
	Kpoints         *KpointMesh `yaml:"kpoints,omitempty"`
	Parameters      params.Map  `yaml:"parameters,omitempty"`
	Settings        params.Map  `yaml:"settings,omitempty"`
	ParentFolder    *RemoteData `yaml:"parent_folder,omitempty"`
}

func (p PwInputs) clone() PwInputs {
	out := p
	out.KpointsDistance = cloneFloat(p.KpointsDistance)
	if p.Kpoints != nil {
		k := *p.Kpoints
		out.Kpoints = &k
	}
	if p.Parameters != nil {
		out.Parameters = p.Parameters.Clone()
	}
	if p.Settings != nil {
		out.Settings = p.Settings.Clone()
	}
	if p.ParentFolder != nil {
		rd := *p.ParentFolder
		out.ParentFolder = &rd
	}
	return out
}

// RelaxInputs configure the geometry optimization stage.
type RelaxInputs struct {
	Base         PwInputs  `yaml:"base"`
	BaseFinalSCF *PwInputs `yaml:"base_final_scf,omitempty"`
	RelaxType    string    `yaml:"relax_type,omitempty"`
	// MetaConvergence reruns the relaxation until the cell volume settles.
	MetaConvergence *bool `yaml:"meta_convergence,omitempty"`
}

func (r RelaxInputs) clone() RelaxInputs {
	out := r
	out.Base = r.Base.clone()
	if r.BaseFinalSCF != nil {
		f := r.BaseFinalSCF.clone()
		out.BaseFinalSCF = &f
	}
	if r.MetaConvergence != nil {
		b := *r.MetaConvergence
		out.MetaConvergence = &b
	}
	return out
}

// BandsInputs configure the band structure stage.
type BandsInputs struct {
	SCF                  PwInputs `yaml:"scf"`
	Bands                PwInputs `yaml:"bands"`
	NbandsFactor         *float64 `yaml:"nbands_factor,omitempty"`
	BandsKpointsDistance *float64 `yaml:"bands_kpoints_distance,omitempty"`
}

func (b BandsInputs) clone() BandsInputs {
	out := b
	out.SCF = b.SCF.clone()
	out.Bands = b.Bands.clone()
	out.NbandsFactor = cloneFloat(b.NbandsFactor)
	out.BandsKpointsDistance = cloneFloat(b.BandsKpointsDistance)
	return out
}

// PdosInputs configure the projected density of states stage. SCF may be
// omitted when a preceding bands stage provides a reusable SCF state.
type PdosInputs struct {
	SCF     *PwInputs  `yaml:"scf,omitempty"`
	NSCF    PwInputs   `yaml:"nscf"`
	Dos     params.Map `yaml:"dos,omitempty"`
	Projwfc params.Map `yaml:"projwfc,omitempty"`
}

func (p PdosInputs) clone() PdosInputs {
	out := p
	if p.SCF != nil {
		s := p.SCF.clone()
		out.SCF = &s
	}
	out.NSCF = p.NSCF.clone()
	if p.Dos != nil {
		out.Dos = p.Dos.Clone()
	}
	if p.Projwfc != nil {
		out.Projwfc = p.Projwfc.Clone()
	}
	return out
}

// StageInputs is the fully resolved bundle submitted for one stage. Exactly
// one of Relax, Bands and Pdos is set.
type StageInputs struct {
	Stage         Stage        `yaml:"-"`
	CallLinkLabel string       `yaml:"call_link_label"`
	Structure     *Structure   `yaml:"structure"`
	Relax         *RelaxInputs `yaml:"relax,omitempty"`
	Bands         *BandsInputs `yaml:"bands,omitempty"`
	Pdos          *PdosInputs  `yaml:"pdos,omitempty"`
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
