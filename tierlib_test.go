// Copyright (C) The PALM Cohort Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package palm

import (
	"fmt"
	"math"

	"gopkg.in/check.v1"
)

type tierSuite struct{}

var _ = check.Suite(&tierSuite{})

func testConfig() TierConfig {
	config := DefaultTierConfig()
	config.HealthySamples = []string{"H1"}
	return config
}

func makeCells(sample, cluster string, typ CellType, fine string, n int) []Cell {
	cells := make([]Cell, n)
	for i := range cells {
		cells[i] = Cell{
			ID:       fmt.Sprintf("%s-%s-%s-%d", sample, cluster, typ, i),
			Sample:   sample,
			Cluster:  cluster,
			FineType: fine,
			Type:     typ,
		}
	}
	return cells
}

// truthTableCells builds a cohort where every combination of the
// three filters occurs:
//
//   H1 (healthy, 100 cells, all in the mixed cluster c9):
//     2 Monocyte, 2 T_CD4, 96 Erythroid
//   P1 (50 cells): types Monocyte and T_CD4 are >4x expanded
//   P2 (50 cells): no type is >4x expanded
//
// Cluster c1 holds only patient cells (purity 1); cluster c9 holds
// all healthy cells plus patients (purity 1/3).
func truthTableCells() []Cell {
	var cells []Cell
	add := func(cs []Cell) { cells = append(cells, cs...) }
	add(makeCells("H1", "c9", TypeMonocyte, "CD14 Mono", 2))
	add(makeCells("H1", "c9", TypeTCD4, "CD4 Naive", 2))
	add(makeCells("H1", "c9", TypeErythroid, "Early Eryth", 96))

	add(makeCells("P1", "c1", TypeMonocyte, "CD14 Mono", 10))
	add(makeCells("P1", "c9", TypeMonocyte, "CD14 Mono", 10))
	add(makeCells("P1", "c1", TypeTCD4, "CD4 Naive", 10))
	add(makeCells("P1", "c9", TypeTCD4, "CD4 Naive", 10))
	add(makeCells("P1", "c1", TypeErythroid, "Early Eryth", 5))
	add(makeCells("P1", "c9", TypeErythroid, "Early Eryth", 5))

	add(makeCells("P2", "c1", TypeMonocyte, "CD14 Mono", 1))
	add(makeCells("P2", "c9", TypeMonocyte, "CD14 Mono", 1))
	add(makeCells("P2", "c1", TypeTCD4, "CD4 Naive", 1))
	add(makeCells("P2", "c9", TypeTCD4, "CD4 Naive", 1))
	add(makeCells("P2", "c1", TypeErythroid, "Early Eryth", 23))
	add(makeCells("P2", "c9", TypeErythroid, "Early Eryth", 23))
	return cells
}

func (s *tierSuite) TestConjunctionTruthTable(c *check.C) {
	engine, err := NewTierEngine(testConfig())
	c.Assert(err, check.IsNil)
	cells := truthTableCells()
	flags, err := engine.Annotate(cells)
	c.Assert(err, check.IsNil)
	c.Assert(flags, check.HasLen, len(cells))

	type key struct {
		sample  string
		cluster string
		typ     CellType
	}
	expect := map[key]TierFlags{
		{"P1", "c1", TypeMonocyte}: {TypePass: true, ClusterPurityPass: true, ExpansionPass: true, Tier1Broad: true, Tier1Malignant: true},
		{"P1", "c9", TypeMonocyte}: {TypePass: true, ExpansionPass: true, Tier1Broad: true},
		{"P2", "c1", TypeMonocyte}: {TypePass: true, ClusterPurityPass: true, Tier1Broad: true},
		{"P2", "c9", TypeMonocyte}: {TypePass: true, Tier1Broad: true},
		{"P1", "c1", TypeTCD4}:     {ClusterPurityPass: true, ExpansionPass: true},
		{"P1", "c9", TypeTCD4}:     {ExpansionPass: true},
		{"P2", "c1", TypeTCD4}:     {ClusterPurityPass: true},
		{"P2", "c9", TypeTCD4}:     {},
	}
	seen := map[key]int{}
	for i, cell := range cells {
		if cell.Sample == "H1" {
			c.Check(flags[i].HealthySample, check.Equals, true)
			c.Check(flags[i].ExpansionPass, check.Equals, false)
			c.Check(flags[i].Tier1Malignant, check.Equals, false)
			continue
		}
		k := key{cell.Sample, cell.Cluster, cell.Type}
		want, ok := expect[k]
		if !ok {
			continue // erythroid groups, covered below
		}
		seen[k]++
		c.Check(flags[i], check.DeepEquals, want, check.Commentf("cell %s", cell.ID))
		// tier1 is exactly the conjunction
		c.Check(flags[i].Tier1Malignant, check.Equals,
			flags[i].TypePass && flags[i].ClusterPurityPass && flags[i].ExpansionPass)
	}
	c.Check(seen, check.HasLen, 8)
}

func (s *tierSuite) TestCandidateTypeRequired(c *check.C) {
	engine, err := NewTierEngine(testConfig())
	c.Assert(err, check.IsNil)
	cells := truthTableCells()
	flags, err := engine.Annotate(cells)
	c.Assert(err, check.IsNil)
	// T_CD4 is not in the candidate set: never malignant, even in
	// a pure cluster with passing expansion.
	for i, cell := range cells {
		if cell.Type == TypeTCD4 {
			c.Check(flags[i].Tier1Malignant, check.Equals, false, check.Commentf("cell %s", cell.ID))
		}
	}
}

func (s *tierSuite) TestClusterPurity(c *check.C) {
	engine, err := NewTierEngine(testConfig())
	c.Assert(err, check.IsNil)
	// 100-cell cluster, 95 patient + 5 healthy: fraction 0.95,
	// every cell in the cluster passes, healthy ones included.
	var cells []Cell
	cells = append(cells, makeCells("P1", "c2", TypeErythroid, "Early Eryth", 95)...)
	cells = append(cells, makeCells("H1", "c2", TypeErythroid, "Early Eryth", 5)...)
	purity := engine.ClusterPurity(cells)
	c.Check(fmt.Sprintf("%.2f", purity["c2"]), check.Equals, "0.95")
	flags, err := engine.Annotate(cells)
	c.Assert(err, check.IsNil)
	for i := range cells {
		c.Check(flags[i].ClusterPurityPass, check.Equals, true)
	}
}

func (s *tierSuite) TestPurityEdgeCases(c *check.C) {
	engine, err := NewTierEngine(testConfig())
	c.Assert(err, check.IsNil)
	var cells []Cell
	cells = append(cells, makeCells("H1", "conly", TypeErythroid, "Early Eryth", 10)...)
	cells = append(cells, makeCells("P1", "ponly", TypeErythroid, "Early Eryth", 10)...)
	purity := engine.ClusterPurity(cells)
	c.Check(purity["conly"], check.Equals, 0.0)
	c.Check(purity["ponly"], check.Equals, 1.0)
}

func (s *tierSuite) TestPurityMonotonicity(c *check.C) {
	cells := truthTableCells()
	prev := -1
	for _, threshold := range []float64{0, 0.2, 0.4, 0.6, 0.8, 1} {
		config := testConfig()
		config.PurityThreshold = threshold
		engine, err := NewTierEngine(config)
		c.Assert(err, check.IsNil)
		qualifying := 0
		for _, p := range engine.ClusterPurity(cells) {
			if p > threshold {
				qualifying++
			}
		}
		if prev >= 0 {
			c.Check(qualifying <= prev, check.Equals, true, check.Commentf("threshold %v: %d > %d", threshold, qualifying, prev))
		}
		prev = qualifying
	}
}

func (s *tierSuite) TestExpansionMonotonicity(c *check.C) {
	engine, err := NewTierEngine(testConfig())
	c.Assert(err, check.IsNil)
	cells := truthTableCells()
	freq, err := engine.TypeFrequencies(cells)
	c.Assert(err, check.IsNil)
	expansion, err := engine.Expansion(freq)
	c.Assert(err, check.IsNil)
	prev := -1
	for _, threshold := range []float64{-4, -2, 0, 1, 2, 3, 5, 8} {
		qualifying := 0
		for _, r := range expansion {
			if math.Log2(r) > threshold {
				qualifying++
			}
		}
		if prev >= 0 {
			c.Check(qualifying <= prev, check.Equals, true, check.Commentf("threshold %v: %d > %d", threshold, qualifying, prev))
		}
		prev = qualifying
	}
}

func (s *tierSuite) TestExpansionSaturation(c *check.C) {
	engine, err := NewTierEngine(testConfig())
	c.Assert(err, check.IsNil)
	// Baseline: Monocyte at 0.05, Erythroid at 0.95, no
	// megakaryocytes at all. Patient P: Monocyte at 0.25
	// (expansion 5), Megakaryocyte unseen in health (imputed as
	// the max finite expansion, i.e. 5), Erythroid at 0.5.
	var cells []Cell
	cells = append(cells, makeCells("H1", "cH", TypeMonocyte, "CD14 Mono", 1)...)
	cells = append(cells, makeCells("H1", "cH", TypeErythroid, "Early Eryth", 19)...)
	cells = append(cells, makeCells("P", "cP", TypeMonocyte, "CD14 Mono", 5)...)
	cells = append(cells, makeCells("P", "cP", TypeMegakaryocyte, "Prog Mk", 5)...)
	cells = append(cells, makeCells("P", "cP", TypeErythroid, "Early Eryth", 10)...)

	freq, err := engine.TypeFrequencies(cells)
	c.Assert(err, check.IsNil)
	c.Check(fmt.Sprintf("%.6f", freq[HealthyPool][TypeMonocyte]), check.Equals, "0.050000")
	c.Check(fmt.Sprintf("%.6f", freq["P"][TypeMonocyte]), check.Equals, "0.250000")

	expansion, err := engine.Expansion(freq)
	c.Assert(err, check.IsNil)
	mono := expansion[SampleType{"P", TypeMonocyte}]
	mk := expansion[SampleType{"P", TypeMegakaryocyte}]
	c.Check(fmt.Sprintf("%.6f", mono), check.Equals, "5.000000")
	// imputed value is exactly the max finite expansion, not
	// infinity and not zero
	c.Check(mk, check.Equals, mono)

	// log2(5) ≈ 2.32 > 2, so both pairs qualify
	flags, err := engine.Annotate(cells)
	c.Assert(err, check.IsNil)
	for i, cell := range cells {
		if cell.Sample != "P" {
			continue
		}
		pass := cell.Type == TypeMonocyte || cell.Type == TypeMegakaryocyte
		c.Check(flags[i].ExpansionPass, check.Equals, pass, check.Commentf("cell %s", cell.ID))
	}
}

func (s *tierSuite) TestErrors(c *check.C) {
	engine, err := NewTierEngine(testConfig())
	c.Assert(err, check.IsNil)

	_, err = engine.Annotate(nil)
	c.Check(err, check.ErrorMatches, `cannot tier an empty dataset`)

	// no healthy cells at all
	_, err = engine.Annotate(makeCells("P1", "c1", TypeMonocyte, "CD14 Mono", 5))
	c.Check(err, check.ErrorMatches, `no cells found from healthy control samples.*`)

	// cell that skipped the aggregation step
	cells := makeCells("H1", "c1", TypeMonocyte, "CD14 Mono", 5)
	cells[2].Type = ""
	_, err = engine.Annotate(cells)
	c.Check(err, check.ErrorMatches, `cell .* has no aggregated cell type.*`)

	// patient sample named like the pooled pseudo-sample
	cells = makeCells("H1", "c1", TypeMonocyte, "CD14 Mono", 5)
	cells = append(cells, makeCells(HealthyPool, "c1", TypeMonocyte, "CD14 Mono", 1)...)
	_, err = engine.Annotate(cells)
	c.Check(err, check.ErrorMatches, `patient sample ID "hBM" collides.*`)
}

func (s *tierSuite) TestConfigValidation(c *check.C) {
	config := testConfig()
	config.PurityThreshold = 1.5
	_, err := NewTierEngine(config)
	c.Check(err, check.ErrorMatches, `purity threshold 1.5 out of range.*`)

	config = testConfig()
	config.HealthySamples = nil
	_, err = NewTierEngine(config)
	c.Check(err, check.ErrorMatches, `no healthy control samples configured`)

	config = testConfig()
	config.HealthySamples = []string{HealthyPool}
	_, err = NewTierEngine(config)
	c.Check(err, check.ErrorMatches, `healthy sample ID "hBM" collides.*`)

	config = testConfig()
	config.CandidateTypes = nil
	_, err = NewTierEngine(config)
	c.Check(err, check.ErrorMatches, `no candidate cell types configured`)
}
