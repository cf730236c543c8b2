package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/qeapp/internal/params"
)

func TestResultsSetOnce(t *testing.T) {
	r := NewResults()
	require.NoError(t, r.Out(OutStructure, silicon("a")))
	assert.ErrorIs(t, r.Out(OutStructure, silicon("b")), ErrOutputExists)

	r.Freeze()
	assert.ErrorIs(t, r.Out(OutDos, &XYData{}), ErrResultsFrozen)
	v, _ := r.Get(OutStructure)
	assert.Equal(t, "a", v.(*Structure).Label)
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Frozen())
}

func TestAggregate(t *testing.T) {
	bandsOut := &Outcome{FinishedOK: true, Outputs: Outputs{
		BandParameters: params.Map{"number_of_bands": 8},
		BandStructure:  &BandStructure{},
	}}
	tests := []struct {
		name string
		ran  map[Stage]*Outcome
		want []string
	}{
		{
			name: "bands only",
			ran:  map[Stage]*Outcome{StageBands: bandsOut},
			want: []string{OutBandParameters, OutBandStructure},
		},
		{
			name: "relax only",
			ran:  map[Stage]*Outcome{StageRelax: {FinishedOK: true}},
			want: []string{},
		},
		{
			name: "unpolarized pdos",
			ran: map[Stage]*Outcome{StagePdos: {FinishedOK: true, Outputs: Outputs{
				NSCF:    &NSCFOutputs{OutputParameters: params.Map{}},
				Dos:     &DosOutputs{OutputDos: &XYData{}},
				Projwfc: &ProjwfcOutputs{Projections: &Projections{}},
			}}},
			want: []string{OutDos, OutNSCFParameters, OutProjections},
		},
		{
			name: "spin resolved pdos",
			ran: map[Stage]*Outcome{StagePdos: {FinishedOK: true, Outputs: Outputs{
				Projwfc: &ProjwfcOutputs{ProjectionsUp: &Projections{}, ProjectionsDown: &Projections{}},
			}}},
			want: []string{OutProjectionsDown, OutProjectionsUp},
		},
		{
			name: "missing optional outputs",
			ran: map[Stage]*Outcome{StagePdos: {FinishedOK: true, Outputs: Outputs{
				NSCF:    &NSCFOutputs{},
				Projwfc: &ProjwfcOutputs{ProjectionsUp: &Projections{}},
			}}},
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResults()
			require.NoError(t, Aggregate(r, tt.ran))
			assert.Equal(t, tt.want, r.Keys())
		})
	}
}

func TestAggregateReportsCollisions(t *testing.T) {
	r := NewResults()
	require.NoError(t, r.Out(OutBandStructure, &BandStructure{}))
	err := Aggregate(r, map[Stage]*Outcome{StageBands: {Outputs: Outputs{BandStructure: &BandStructure{}}}})
	assert.ErrorIs(t, err, ErrOutputExists)
}
