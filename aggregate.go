// Copyright (C) The PALM Cohort Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package palm

import (
	"fmt"
	"sort"
)

// AggregationMap assigns each coarse cell type the set of
// fine-grained reference labels it covers. The sets must form a
// partition of the fine vocabulary: a fine label belonging to two
// coarse types is a configuration error, and a fine label appearing
// in data but in no set is a data-contract violation.
type AggregationMap map[CellType][]string

// DefaultAggregationMap returns the curated mapping from the ~40
// fine bone-marrow reference labels onto the coarse categories used
// throughout the cohort reports. Matching is case-sensitive and
// exact.
func DefaultAggregationMap() AggregationMap {
	return AggregationMap{
		TypeHSCMPP:        {"HSC", "MPP", "LMPP"},
		TypeEarlyMyeloid:  {"CMP", "GMP", "MDP"},
		TypeLateMyeloid:   {"Promyelocyte", "Myelocyte", "Neutrophil"},
		TypeMonocyte:      {"CD14 Mono", "CD16 Mono"},
		TypeDC:            {"cDC1", "cDC2", "pDC"},
		TypeEoBasoMast:    {"BaEoMa", "Basophil", "Eosinophil", "Mast"},
		TypeErythroid:     {"Proerythroblast", "Early Eryth", "Late Eryth"},
		TypeMegakaryocyte: {"MEP", "Prog Mk", "Megakaryocyte"},
		TypeBProgenitor:   {"CLP", "pro B", "pre B"},
		TypeB:             {"transitional B", "Naive B", "Memory B"},
		TypePlasma:        {"Plasmablast", "Plasma"},
		TypeTCD4:          {"CD4 Naive", "CD4 Memory", "Treg"},
		TypeTCD8:          {"CD8 Naive", "CD8 Memory", "MAIT", "gdT"},
		TypeNK:            {"NK", "NK CD56bright"},
		TypeStromal:       {"Stromal", "Endothelial"},
	}
}

// Validate checks the partition property: no fine label may appear
// under two coarse types.
func (m AggregationMap) Validate() error {
	seen := map[string]CellType{}
	for _, coarse := range m.CellTypes() {
		for _, fine := range m[coarse] {
			if prev, ok := seen[fine]; ok {
				return fmt.Errorf("aggregation map: fine label %q appears under both %q and %q", fine, prev, coarse)
			}
			seen[fine] = coarse
		}
	}
	return nil
}

// CellTypes returns the coarse types of the map in deterministic
// (sorted) order.
func (m AggregationMap) CellTypes() []CellType {
	types := make([]CellType, 0, len(m))
	for t := range m {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// aggregator answers fine→coarse lookups against a validated
// AggregationMap.
type aggregator struct {
	coarse map[string]CellType
}

func newAggregator(m AggregationMap) (*aggregator, error) {
	err := m.Validate()
	if err != nil {
		return nil, err
	}
	agg := &aggregator{coarse: make(map[string]CellType)}
	for coarse, fines := range m {
		for _, fine := range fines {
			agg.coarse[fine] = coarse
		}
	}
	return agg, nil
}

// Aggregate returns the coarse type for a fine reference label. A
// label with no entry in the map is a hard error: silently dropping
// it would corrupt both the candidate-type filter and the expansion
// denominators downstream.
func (agg *aggregator) Aggregate(fine string) (CellType, error) {
	coarse, ok := agg.coarse[fine]
	if !ok {
		return "", fmt.Errorf("fine cell type %q has no entry in the aggregation map", fine)
	}
	return coarse, nil
}
