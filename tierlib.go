// Copyright (C) The PALM Cohort Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package palm

import (
	"fmt"
	"math"
)

// HealthyPool is the name of the pooled pseudo-sample holding all
// cells from the healthy-control samples. It is the denominator of
// every expansion ratio and must not collide with a real sample ID.
const HealthyPool = "hBM"

// TierConfig collects the constants of the tiering heuristic. The
// thresholds were chosen empirically from the bimodal shape of the
// per-cluster purity and per-(sample,type) log2-expansion
// distributions (see "palm stats").
type TierConfig struct {
	// HealthySamples lists the sample IDs of the healthy bone
	// marrow controls. All other samples are treated as patient
	// samples.
	HealthySamples []string
	// PurityThreshold is the minimum (exclusive) non-healthy
	// fraction for a cluster to qualify.
	PurityThreshold float64
	// MinLog2Expansion is the minimum (exclusive) log2 of the
	// within-sample frequency over the pooled-healthy frequency
	// for a (sample, type) pair to qualify.
	MinLog2Expansion float64
	// CandidateTypes are the coarse types considered biologically
	// capable of malignancy.
	CandidateTypes []CellType
}

// DefaultTierConfig returns the thresholds and sample lists used in
// the cohort reports.
func DefaultTierConfig() TierConfig {
	return TierConfig{
		HealthySamples:   []string{"hBM1", "hBM2", "hBM3"},
		PurityThreshold:  0.9,
		MinLog2Expansion: 2.0,
		CandidateTypes: []CellType{
			TypeHSCMPP,
			TypeEarlyMyeloid,
			TypeLateMyeloid,
			TypeMonocyte,
			TypeEoBasoMast,
			TypeErythroid,
			TypeMegakaryocyte,
		},
	}
}

// SampleType keys the per-sample, per-coarse-type expansion table.
type SampleType struct {
	Sample string
	Type   CellType
}

// TierEngine computes the tier-I malignancy label: the conjunction
// of candidate-type membership, cluster purity, and expansion versus
// the pooled healthy baseline. All three filters are stateless
// global reductions over the full cohort snapshot; nothing is
// computed incrementally.
type TierEngine struct {
	Config    TierConfig
	healthy   map[string]bool
	candidate map[CellType]bool
}

func NewTierEngine(config TierConfig) (*TierEngine, error) {
	if config.PurityThreshold < 0 || config.PurityThreshold > 1 {
		return nil, fmt.Errorf("purity threshold %v out of range [0,1]", config.PurityThreshold)
	}
	if len(config.HealthySamples) == 0 {
		return nil, fmt.Errorf("no healthy control samples configured")
	}
	if len(config.CandidateTypes) == 0 {
		return nil, fmt.Errorf("no candidate cell types configured")
	}
	e := &TierEngine{
		Config:    config,
		healthy:   make(map[string]bool),
		candidate: make(map[CellType]bool),
	}
	for _, s := range config.HealthySamples {
		if s == HealthyPool {
			return nil, fmt.Errorf("healthy sample ID %q collides with the pooled pseudo-sample name", s)
		}
		e.healthy[s] = true
	}
	for _, t := range config.CandidateTypes {
		e.candidate[t] = true
	}
	return e, nil
}

// HealthySample reports whether a sample ID belongs to the healthy
// control group.
func (e *TierEngine) HealthySample(sample string) bool {
	return e.healthy[sample]
}

// ClusterPurity returns, for every cluster appearing in cells, the
// fraction of its cells drawn from non-healthy samples. A cluster
// with no healthy cells has fraction 1; a cluster with only healthy
// cells has fraction 0.
func (e *TierEngine) ClusterPurity(cells []Cell) map[string]float64 {
	total := map[string]int{}
	nonHealthy := map[string]int{}
	for _, c := range cells {
		total[c.Cluster]++
		if !e.healthy[c.Sample] {
			nonHealthy[c.Cluster]++
		}
	}
	purity := make(map[string]float64, len(total))
	for cluster, n := range total {
		purity[cluster] = float64(nonHealthy[cluster]) / float64(n)
	}
	return purity
}

// TypeFrequencies returns the within-sample frequency of every
// coarse type for every sample, plus the pooled healthy
// pseudo-sample under the key HealthyPool. Frequencies within one
// sample sum to 1.
func (e *TierEngine) TypeFrequencies(cells []Cell) (map[string]map[CellType]float64, error) {
	if len(cells) == 0 {
		return nil, fmt.Errorf("cannot compute type frequencies: dataset is empty")
	}
	counts := map[string]map[CellType]int{}
	totals := map[string]int{}
	add := func(sample string, t CellType) {
		m := counts[sample]
		if m == nil {
			m = map[CellType]int{}
			counts[sample] = m
		}
		m[t]++
		totals[sample]++
	}
	for _, c := range cells {
		if c.Type == "" {
			return nil, fmt.Errorf("cell %q has no aggregated cell type (not imported through the aggregation map?)", c.ID)
		}
		if !e.healthy[c.Sample] && c.Sample == HealthyPool {
			return nil, fmt.Errorf("patient sample ID %q collides with the pooled pseudo-sample name", c.Sample)
		}
		add(c.Sample, c.Type)
		if e.healthy[c.Sample] {
			add(HealthyPool, c.Type)
		}
	}
	if totals[HealthyPool] == 0 {
		return nil, fmt.Errorf("no cells found from healthy control samples %v", e.Config.HealthySamples)
	}
	freq := make(map[string]map[CellType]float64, len(counts))
	for sample, m := range counts {
		total := totals[sample]
		fm := make(map[CellType]float64, len(m))
		for t, n := range m {
			fm[t] = float64(n) / float64(total)
		}
		freq[sample] = fm
	}
	return freq, nil
}

// Expansion returns, for every (patient sample, coarse type) pair
// observed in freq, the ratio of the within-sample frequency to the
// pooled-healthy frequency. Pairs whose healthy-baseline frequency
// is zero are imputed with the maximum finite ratio observed across
// all pairs: "never seen in health" is treated as "as expanded as
// the most expanded known type", not as infinite.
func (e *TierEngine) Expansion(freq map[string]map[CellType]float64) (map[SampleType]float64, error) {
	baseline := freq[HealthyPool]
	if len(baseline) == 0 {
		return nil, fmt.Errorf("no healthy baseline frequencies (missing %q pseudo-sample)", HealthyPool)
	}
	expansion := map[SampleType]float64{}
	var saturate []SampleType
	maxFinite := math.Inf(-1)
	for sample, m := range freq {
		if sample == HealthyPool || e.healthy[sample] {
			continue
		}
		for t, f := range m {
			key := SampleType{Sample: sample, Type: t}
			fh := baseline[t]
			if fh == 0 {
				saturate = append(saturate, key)
				continue
			}
			r := f / fh
			expansion[key] = r
			if r > maxFinite {
				maxFinite = r
			}
		}
	}
	if len(saturate) > 0 {
		if math.IsInf(maxFinite, -1) {
			return nil, fmt.Errorf("cannot impute expansion for %d (sample,type) pairs: no finite expansion observed", len(saturate))
		}
		for _, key := range saturate {
			expansion[key] = maxFinite
		}
	}
	return expansion, nil
}

// Annotate runs the three filters over the full cohort snapshot and
// returns one TierFlags per cell, index-aligned with cells. The
// input is not modified.
func (e *TierEngine) Annotate(cells []Cell) ([]TierFlags, error) {
	if len(cells) == 0 {
		return nil, fmt.Errorf("cannot tier an empty dataset")
	}
	purity := e.ClusterPurity(cells)
	freq, err := e.TypeFrequencies(cells)
	if err != nil {
		return nil, err
	}
	expansion, err := e.Expansion(freq)
	if err != nil {
		return nil, err
	}
	flags := make([]TierFlags, len(cells))
	for i, c := range cells {
		f := &flags[i]
		f.HealthySample = e.healthy[c.Sample]
		f.TypePass = e.candidate[c.Type]
		f.ClusterPurityPass = purity[c.Cluster] > e.Config.PurityThreshold
		if !f.HealthySample {
			r, ok := expansion[SampleType{Sample: c.Sample, Type: c.Type}]
			f.ExpansionPass = ok && math.Log2(r) > e.Config.MinLog2Expansion
		}
		f.Tier1Broad = f.TypePass
		f.Tier1Malignant = f.TypePass && f.ClusterPurityPass && f.ExpansionPass
	}
	return flags, nil
}
