package core

import "github.com/3cpo-dev/qeapp/internal/params"

// Context is the state threaded from one stage to the next. Only the
// inspection steps of the orchestrator write to it.
type Context struct {
	CurrentStructure *Structure  `json:"current_structure"`
	CurrentBandCount *int        `json:"current_band_count,omitempty"`
	ReusableSCFState *RemoteData `json:"reusable_scf_state,omitempty"`
}

// NewContext returns the context a run starts from.
func NewContext(structure *Structure) (*Context, error) {
	if structure == nil {
		return nil, ErrStructureRequired
	}
	return &Context{CurrentStructure: structure}, nil
}

func (c *Context) bandCount() (int, bool) {
	if c.CurrentBandCount == nil || *c.CurrentBandCount <= 0 {
		return 0, false
	}
	return *c.CurrentBandCount, true
}

// Build resolves the inputs of stage s from the base configuration, the
// overrides and the current context. cfg is never modified and s must be
// active in cfg.
func Build(s Stage, c *Context, cfg *Config) StageInputs {
	in := StageInputs{Stage: s, CallLinkLabel: s.String(), Structure: c.CurrentStructure}
	switch s {
	case StageRelax:
		in.Relax = buildRelax(cfg.Relax, cfg.Overrides)
	case StageBands:
		in.Bands = buildBands(cfg.Bands, c, cfg.Overrides)
	case StagePdos:
		in.Pdos = buildPdos(cfg.Pdos, c, cfg.Overrides)
	}
	return in
}

func buildRelax(base *RelaxInputs, o Overrides) *RelaxInputs {
	in := base.clone()
	in.Base = o.ProjectPw(in.Base)
	if in.BaseFinalSCF != nil {
		final := o.ProjectPw(*in.BaseFinalSCF)
		in.BaseFinalSCF = &final
	}
	return &in
}

func buildBands(base *BandsInputs, c *Context, o Overrides) *BandsInputs {
	in := base.clone()
	in.SCF = o.ProjectPw(in.SCF)
	if n, ok := c.bandCount(); ok {
		in.SCF.Parameters.SetIfAbsent(NbndPath, n)
	}
	return &in
}

func buildPdos(base *PdosInputs, c *Context, o Overrides) *PdosInputs {
	in := base.clone()
	if n, ok := c.bandCount(); ok {
		if in.NSCF.Parameters == nil {
			in.NSCF.Parameters = params.Map{}
		}
		in.NSCF.Parameters.SetIfAbsent(NbndPath, n)
	}
	if c.ReusableSCFState != nil {
		parent := *c.ReusableSCFState
		in.SCF = nil
		in.NSCF.ParentFolder = &parent
	} else if in.SCF != nil {
		scf := o.ProjectPw(*in.SCF)
		in.SCF = &scf
	}
	return &in
}
