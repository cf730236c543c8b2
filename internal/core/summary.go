package core

import (
	"math"
	"strings"

	"github.com/3cpo-dev/qeapp/internal/params"
)

var (
	ecutwfcPath = params.P("SYSTEM.ecutwfc")
	ecutrhoPath = params.P("SYSTEM.ecutrho")
)

// Summary reports the settings a run is configured with.
type Summary struct {
	Label          string `yaml:"label,omitempty" json:"label,omitempty"`
	Relaxed        bool   `yaml:"relaxed" json:"relaxed"`
	RelaxMethod    string `yaml:"relax_method,omitempty" json:"relax_method,omitempty"`
	BandsComputed  bool   `yaml:"bands_computed" json:"bands_computed"`
	PdosComputed   bool   `yaml:"pdos_computed" json:"pdos_computed"`
	PseudoFamily   string `yaml:"pseudo_family,omitempty" json:"pseudo_family,omitempty"`
	PseudoLibrary  string `yaml:"pseudo_library,omitempty" json:"pseudo_library,omitempty"`
	PseudoVersion  string `yaml:"pseudo_version,omitempty" json:"pseudo_version,omitempty"`
	Functional     string `yaml:"functional,omitempty" json:"functional,omitempty"`
	PseudoProtocol string `yaml:"pseudo_protocol,omitempty" json:"pseudo_protocol,omitempty"`

	EnergyCutoffWfc *int     `yaml:"energy_cutoff_wfc,omitempty" json:"energy_cutoff_wfc,omitempty"`
	EnergyCutoffRho *int     `yaml:"energy_cutoff_rho,omitempty" json:"energy_cutoff_rho,omitempty"`
	Degauss         *float64 `yaml:"degauss,omitempty" json:"degauss,omitempty"`
	Smearing        string   `yaml:"smearing,omitempty" json:"smearing,omitempty"`

	SCFKpointsDistance   *float64 `yaml:"scf_kpoints_distance,omitempty" json:"scf_kpoints_distance,omitempty"`
	BandsKpointsDistance *float64 `yaml:"bands_kpoints_distance,omitempty" json:"bands_kpoints_distance,omitempty"`
	NSCFKpointsDistance  *float64 `yaml:"nscf_kpoints_distance,omitempty" json:"nscf_kpoints_distance,omitempty"`
}

// Summarize describes cfg. The SCF settings come from the bands scf when
// bands runs, else from the relax base, else from the pdos scf, with the
// overrides projected on top.
func Summarize(cfg *Config) Summary {
	s := Summary{
		Label:         cfg.Label,
		Relaxed:       cfg.Relax != nil && cfg.Relax.RelaxType != "none",
		BandsComputed: cfg.Bands != nil,
		PdosComputed:  cfg.Pdos != nil,
	}
	var scf *PwInputs
	if cfg.Relax != nil {
		s.RelaxMethod = cfg.Relax.RelaxType
		scf = &cfg.Relax.Base
	}
	if cfg.Bands != nil {
		scf = &cfg.Bands.SCF
		s.BandsKpointsDistance = cloneFloat(cfg.Bands.BandsKpointsDistance)
	}
	if cfg.Pdos != nil {
		if scf == nil {
			scf = cfg.Pdos.SCF
		}
		s.NSCFKpointsDistance = cloneFloat(cfg.Pdos.NSCF.KpointsDistance)
	}

	s.SCFKpointsDistance = cloneFloat(cfg.Overrides.KpointsDistance)
	if scf != nil {
		eff := cfg.Overrides.ProjectPw(*scf)
		if s.SCFKpointsDistance == nil {
			s.SCFKpointsDistance = eff.KpointsDistance
		}
		s.PseudoFamily = eff.PseudoFamily
		s.EnergyCutoffWfc = roundedCutoff(eff.Parameters, ecutwfcPath)
		s.EnergyCutoffRho = roundedCutoff(eff.Parameters, ecutrhoPath)
		if d, ok := eff.Parameters.Float(DegaussPath); ok {
			s.Degauss = &d
		}
		if sm, ok := eff.Parameters.Get(SmearingPath); ok {
			s.Smearing, _ = sm.(string)
		}
	}
	s.describePseudos()
	return s
}

// describePseudos splits an SSSP family label such as
// "SSSP/1.3/PBE/efficiency" into its parts.
func (s *Summary) describePseudos() {
	if s.PseudoFamily == "" {
		return
	}
	parts := strings.Split(s.PseudoFamily, "/")
	s.PseudoLibrary = parts[0]
	if s.PseudoLibrary == "SSSP" && len(parts) == 4 {
		s.PseudoVersion, s.Functional, s.PseudoProtocol = parts[1], parts[2], parts[3]
	}
}

func roundedCutoff(p params.Map, path params.Path) *int {
	f, ok := p.Float(path)
	if !ok {
		return nil
	}
	n := int(math.Round(f))
	return &n
}
