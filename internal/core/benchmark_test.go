package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func BenchmarkMetricsRecording(b *testing.B) {
	metrics := NewMetrics()

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		metrics.RecordSubmit(StageBands)
		metrics.RecordDuration(StageBands, time.Millisecond)
		if i%10 == 0 {
			metrics.RecordFailure(StageBands)
		}
	}
}

func BenchmarkBuild(b *testing.B) {
	cfg := fullConfig()
	cfg.Overrides = Overrides{KpointsDistance: fptr(0.2), Degauss: fptr(0.02), Smearing: sptr("cold")}
	c, _ := NewContext(cfg.Structure)
	n := 24
	c.CurrentBandCount = &n

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		for _, s := range Stages {
			_ = Build(s, c, cfg)
		}
	}
}

func BenchmarkSweep(b *testing.B) {
	p := NewMemoryProvenance()
	ctx := context.Background()
	_ = p.RecordUnit(ctx, "root", Unit{ID: "root", Kind: KindWorkflow})
	for i := 0; i < 200; i++ {
		_ = p.RecordUnit(ctx, "root", calc(fmt.Sprintf("c%d", i), "root", fmt.Sprintf("/scratch/c%d", i)))
	}
	nop := zerolog.Nop()
	s := &Sweeper{Provenance: p, Releaser: &fakeReleaser{}, Concurrency: 8, Logger: &nop}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = s.Sweep(ctx, "root", true)
	}
}
