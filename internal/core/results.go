package core

import (
	"errors"
	"fmt"
	"sort"
)

// Output keys exposed by a pipeline run.
const (
	OutStructure       = "structure"
	OutBandParameters  = "band_parameters"
	OutBandStructure   = "band_structure"
	OutNSCFParameters  = "nscf_parameters"
	OutDos             = "dos"
	OutProjections     = "projections"
	OutProjectionsUp   = "projections_up"
	OutProjectionsDown = "projections_down"
)

var (
	ErrOutputExists  = errors.New("results: output already set")
	ErrResultsFrozen = errors.New("results: results are frozen")
)

// Results holds the outputs of a run. Each key is written at most once and
// no key is written after Freeze.
type Results struct {
	values map[string]any
	frozen bool
}

func NewResults() *Results {
	return &Results{values: map[string]any{}}
}

// Out records an output.
func (r *Results) Out(key string, v any) error {
	if r.frozen {
		return fmt.Errorf("%w: %s", ErrResultsFrozen, key)
	}
	if _, ok := r.values[key]; ok {
		return fmt.Errorf("%w: %s", ErrOutputExists, key)
	}
	r.values[key] = v
	return nil
}

func (r *Results) Get(key string) (any, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Keys returns the recorded output keys, sorted.
func (r *Results) Keys() []string {
	keys := make([]string, 0, len(r.values))
	for k := range r.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Results) Len() int { return len(r.values) }

// Map returns a copy of the recorded outputs.
func (r *Results) Map() map[string]any {
	out := make(map[string]any, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

func (r *Results) Freeze() { r.frozen = true }

func (r *Results) Frozen() bool { return r.frozen }

// Aggregate exposes the outputs of the bands and pdos stages that ran and
// finished ok. Outputs a sub-workflow did not produce are left out.
func Aggregate(r *Results, ran map[Stage]*Outcome) error {
	var errs []error
	put := func(key string, v any, present bool) {
		if present {
			errs = append(errs, r.Out(key, v))
		}
	}
	if out, ok := ran[StageBands]; ok {
		o := out.Outputs
		put(OutBandParameters, o.BandParameters, o.BandParameters != nil)
		put(OutBandStructure, o.BandStructure, o.BandStructure != nil)
	}
	if out, ok := ran[StagePdos]; ok {
		o := out.Outputs
		if o.NSCF != nil {
			put(OutNSCFParameters, o.NSCF.OutputParameters, o.NSCF.OutputParameters != nil)
		}
		if o.Dos != nil {
			put(OutDos, o.Dos.OutputDos, o.Dos.OutputDos != nil)
		}
		if p := o.Projwfc; p != nil {
			if p.ProjectionsUp != nil && p.ProjectionsDown != nil {
				put(OutProjectionsUp, p.ProjectionsUp, true)
				put(OutProjectionsDown, p.ProjectionsDown, true)
			} else {
				put(OutProjections, p.Projections, p.Projections != nil)
			}
		}
	}
	return errors.Join(errs...)
}
