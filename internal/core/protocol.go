package core

import (
	"errors"
	"fmt"
)

var ErrCodeRequired = errors.New("protocol: pw code is required")

// ProtocolOptions select the baseline a ProtocolSource produces.
type ProtocolOptions struct {
	Protocol     string
	PwCode       string
	DosCode      string
	ProjwfcCode  string
	PseudoFamily string
	RelaxType    string
	CleanWorkdir bool
	Overrides    Overrides
}

// ProtocolSource turns a protocol name into baseline stage inputs. It is
// a pure function of its arguments.
type ProtocolSource interface {
	Relax(structure *Structure, opts ProtocolOptions) (RelaxInputs, error)
	Bands(structure *Structure, opts ProtocolOptions) (BandsInputs, error)
	Pdos(structure *Structure, opts ProtocolOptions) (PdosInputs, error)
}

// FromProtocol returns a Config prepopulated from src. The relax and bands
// stages are always configured; pdos only when both a dos and a projwfc
// code are given. The final SCF of the relaxation is dropped.
func FromProtocol(structure *Structure, src ProtocolSource, opts ProtocolOptions) (*Config, error) {
	if structure == nil {
		return nil, ErrStructureRequired
	}
	if opts.PwCode == "" {
		return nil, ErrCodeRequired
	}
	cfg := &Config{
		Label:        opts.Protocol,
		Structure:    structure,
		CleanWorkdir: opts.CleanWorkdir,
		Overrides:    opts.Overrides,
	}

	relax, err := src.Relax(structure, opts)
	if err != nil {
		return nil, fmt.Errorf("relax protocol: %w", err)
	}
	withPseudo(&relax.Base, opts.PseudoFamily)
	relax.BaseFinalSCF = nil
	if opts.RelaxType != "" {
		relax.RelaxType = opts.RelaxType
	}
	cfg.Relax = &relax

	bands, err := src.Bands(structure, opts)
	if err != nil {
		return nil, fmt.Errorf("bands protocol: %w", err)
	}
	withPseudo(&bands.SCF, opts.PseudoFamily)
	withPseudo(&bands.Bands, opts.PseudoFamily)
	cfg.Bands = &bands

	if opts.DosCode != "" && opts.ProjwfcCode != "" {
		pdos, err := src.Pdos(structure, opts)
		if err != nil {
			return nil, fmt.Errorf("pdos protocol: %w", err)
		}
		if pdos.SCF != nil {
			withPseudo(pdos.SCF, opts.PseudoFamily)
		}
		withPseudo(&pdos.NSCF, opts.PseudoFamily)
		cfg.Pdos = &pdos
	}
	return cfg, nil
}

func withPseudo(p *PwInputs, family string) {
	if family != "" {
		p.PseudoFamily = family
	}
}
