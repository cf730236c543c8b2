// Package protocol provides the built-in fast, moderate and precise
// baselines used to prepopulate a pipeline configuration.
package protocol

import (
	"errors"
	"fmt"
	"sort"

	"github.com/3cpo-dev/qeapp/internal/core"
	"github.com/3cpo-dev/qeapp/internal/params"
)

var ErrUnknownProtocol = errors.New("protocol: unknown protocol")

// Default is used when no protocol name is given.
const Default = "moderate"

type preset struct {
	kpointsDistance      float64
	bandsKpointsDistance float64
	nscfKpointsDistance  float64
	degauss              float64
	convThrPerAtom       float64
	etotConvThrPerAtom   float64
	forcConvThr          float64
	ecutwfc              float64
	ecutrho              float64
	pseudoFamily         string
}

var presets = map[string]preset{
	"fast": {
		kpointsDistance:      0.50,
		bandsKpointsDistance: 0.05,
		nscfKpointsDistance:  0.30,
		degauss:              0.0275,
		convThrPerAtom:       4e-10,
		etotConvThrPerAtom:   1e-4,
		forcConvThr:          1e-3,
		ecutwfc:              30,
		ecutrho:              240,
		pseudoFamily:         "SSSP/1.1/PBE/efficiency",
	},
	"moderate": {
		kpointsDistance:      0.15,
		bandsKpointsDistance: 0.025,
		nscfKpointsDistance:  0.10,
		degauss:              0.01,
		convThrPerAtom:       2e-10,
		etotConvThrPerAtom:   1e-5,
		forcConvThr:          1e-4,
		ecutwfc:              45,
		ecutrho:              360,
		pseudoFamily:         "SSSP/1.1/PBE/efficiency",
	},
	"precise": {
		kpointsDistance:      0.10,
		bandsKpointsDistance: 0.015,
		nscfKpointsDistance:  0.05,
		degauss:              0.00625,
		convThrPerAtom:       1e-10,
		etotConvThrPerAtom:   5e-6,
		forcConvThr:          5e-5,
		ecutwfc:              60,
		ecutrho:              480,
		pseudoFamily:         "SSSP/1.1/PBE/precision",
	},
}

// Names lists the built-in protocols.
func Names() []string {
	out := make([]string, 0, len(presets))
	for name := range presets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// PseudoFamily returns the pseudopotential family a protocol uses unless
// one is chosen explicitly.
func PseudoFamily(name string) (string, error) {
	p, err := lookup(name)
	if err != nil {
		return "", err
	}
	return p.pseudoFamily, nil
}

func lookup(name string) (preset, error) {
	if name == "" {
		name = Default
	}
	p, ok := presets[name]
	if !ok {
		return preset{}, fmt.Errorf("%w %q (known: %v)", ErrUnknownProtocol, name, Names())
	}
	return p, nil
}

// Builtin implements core.ProtocolSource from the static presets.
type Builtin struct{}

var _ core.ProtocolSource = Builtin{}

func (Builtin) Relax(st *core.Structure, opts core.ProtocolOptions) (core.RelaxInputs, error) {
	p, err := lookup(opts.Protocol)
	if err != nil {
		return core.RelaxInputs{}, err
	}
	relaxType := opts.RelaxType
	if relaxType == "" {
		relaxType = "positions_cell"
	}
	base := p.pw(st, opts.PwCode, calculation(relaxType))
	in := core.RelaxInputs{Base: base, RelaxType: relaxType}
	if relaxType == "positions_cell" {
		meta := true
		in.MetaConvergence = &meta
	}
	final := p.pw(st, opts.PwCode, "scf")
	in.BaseFinalSCF = &final
	return in, nil
}

func (Builtin) Bands(st *core.Structure, opts core.ProtocolOptions) (core.BandsInputs, error) {
	p, err := lookup(opts.Protocol)
	if err != nil {
		return core.BandsInputs{}, err
	}
	bands := p.pw(st, opts.PwCode, "bands")
	bands.KpointsDistance = nil
	factor := 3.0
	return core.BandsInputs{
		SCF:                  p.pw(st, opts.PwCode, "scf"),
		Bands:                bands,
		NbandsFactor:         &factor,
		BandsKpointsDistance: &p.bandsKpointsDistance,
	}, nil
}

func (Builtin) Pdos(st *core.Structure, opts core.ProtocolOptions) (core.PdosInputs, error) {
	p, err := lookup(opts.Protocol)
	if err != nil {
		return core.PdosInputs{}, err
	}
	scf := p.pw(st, opts.PwCode, "scf")
	nscf := p.pw(st, opts.PwCode, "nscf")
	nscf.KpointsDistance = &p.nscfKpointsDistance
	nscf.Parameters.ForceSet(params.P("SYSTEM.occupations"), "tetrahedra")
	nscf.Parameters.ForceSet(params.P("SYSTEM.nosym"), true)
	delete(nscf.Parameters["SYSTEM"].(params.Map), "smearing")
	delete(nscf.Parameters["SYSTEM"].(params.Map), "degauss")
	return core.PdosInputs{
		SCF:  &scf,
		NSCF: nscf,
		Dos: params.Map{
			"code":       opts.DosCode,
			"parameters": params.Map{"DOS": params.Map{"DeltaE": 0.01}},
		},
		Projwfc: params.Map{
			"code":       opts.ProjwfcCode,
			"parameters": params.Map{"PROJWFC": params.Map{"DeltaE": 0.01}},
		},
	}, nil
}

func calculation(relaxType string) string {
	switch relaxType {
	case "positions":
		return "relax"
	case "positions_cell", "cell":
		return "vc-relax"
	}
	return "scf"
}

// pw returns the pw.x inputs of one calculation. Convergence thresholds
// scale with the number of sites.
func (p preset) pw(st *core.Structure, code, calc string) core.PwInputs {
	natoms := 1
	if st != nil && len(st.Sites) > 0 {
		natoms = len(st.Sites)
	}
	kd := p.kpointsDistance
	return core.PwInputs{
		Code:            code,
		PseudoFamily:    p.pseudoFamily,
		KpointsDistance: &kd,
		Parameters: params.Map{
			"CONTROL": params.Map{
				"calculation":   calc,
				"etot_conv_thr": p.etotConvThrPerAtom * float64(natoms),
				"forc_conv_thr": p.forcConvThr,
				"tprnfor":       true,
				"tstress":       true,
			},
			"SYSTEM": params.Map{
				"ecutwfc":     p.ecutwfc,
				"ecutrho":     p.ecutrho,
				"occupations": "smearing",
				"smearing":    "cold",
				"degauss":     p.degauss,
			},
			"ELECTRONS": params.Map{
				"conv_thr":         p.convThrPerAtom * float64(natoms),
				"electron_maxstep": 80,
				"mixing_beta":      0.4,
			},
		},
	}
}
