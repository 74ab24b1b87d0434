// Copyright (C) The PALM Cohort Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package palm

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/klauspost/pgzip"
)

// CellType is one of the coarse, manually curated cell categories
// that the fine-grained reference labels aggregate into.
type CellType string

const (
	TypeHSCMPP        CellType = "HSC_MPP"
	TypeEarlyMyeloid  CellType = "EarlyMyeloid"
	TypeLateMyeloid   CellType = "LateMyeloid"
	TypeMonocyte      CellType = "Monocyte"
	TypeDC            CellType = "DC"
	TypeEoBasoMast    CellType = "EoBasoMast"
	TypeErythroid     CellType = "Erythroid"
	TypeMegakaryocyte CellType = "Megakaryocyte"
	TypeBProgenitor   CellType = "B_Progenitor"
	TypeB             CellType = "B"
	TypePlasma        CellType = "Plasma"
	TypeTCD4          CellType = "T_CD4"
	TypeTCD8          CellType = "T_CD8"
	TypeNK            CellType = "NK"
	TypeStromal       CellType = "Stromal"
)

// TierFlags holds the per-cell booleans computed by the tiering
// engine. A nil *TierFlags on a Cell means the dataset has not been
// tiered yet.
type TierFlags struct {
	HealthySample     bool
	TypePass          bool
	ClusterPurityPass bool
	ExpansionPass     bool
	Tier1Broad        bool
	Tier1Malignant    bool
}

// Cell is one row of the per-cell metadata table. The expression
// matrix itself never appears here: upstream clustering and
// annotation are consumed as precomputed labels.
type Cell struct {
	ID       string
	Sample   string
	Cluster  string
	FineType string
	Type     CellType
	Flags    *TierFlags
}

// DatasetEntry is the unit of the gob stream written by "palm
// import" and read back by every other command. TypeMap records the
// aggregation map that was in force when the cells were imported; it
// is carried at most once per stream (merge refuses conflicting
// maps).
type DatasetEntry struct {
	TypeMap AggregationMap
	Cells   []Cell
}

// DecodeDataset reads a gob stream of DatasetEntry from rdr,
// decompressing with pgzip if gz is true, and calls cb for each
// entry.
func DecodeDataset(rdr io.Reader, gz bool, cb func(*DatasetEntry) error) error {
	if gz {
		zr, err := pgzip.NewReader(bufio.NewReaderSize(rdr, 1<<22))
		if err != nil {
			return err
		}
		defer zr.Close()
		rdr = zr
	}
	dec := gob.NewDecoder(bufio.NewReaderSize(rdr, 1<<22))
	for {
		var ent DatasetEntry
		err := dec.Decode(&ent)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("gob decode: %w", err)
		}
		err = cb(&ent)
		if err != nil {
			return err
		}
	}
}

// ReadCells slurps an entire dataset stream into memory, returning
// all cells plus the embedded aggregation map (nil if the stream
// carries none).
func ReadCells(rdr io.Reader, gz bool) ([]Cell, AggregationMap, error) {
	var cells []Cell
	var typemap AggregationMap
	err := DecodeDataset(rdr, gz, func(ent *DatasetEntry) error {
		if len(ent.TypeMap) > 0 {
			if typemap != nil {
				return fmt.Errorf("invalid input: contains multiple aggregation maps")
			}
			typemap = ent.TypeMap
		}
		cells = append(cells, ent.Cells...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return cells, typemap, nil
}

// datasetWriter encodes DatasetEntry values to an underlying writer,
// pgzip-compressing if gz is true. Call Flush before closing the
// underlying writer.
type datasetWriter struct {
	enc  *gob.Encoder
	bufw *bufio.Writer
	gzw  *pgzip.Writer
}

func newDatasetWriter(w io.Writer, gz bool) *datasetWriter {
	dw := &datasetWriter{}
	if gz {
		dw.gzw = pgzip.NewWriter(w)
		dw.bufw = bufio.NewWriterSize(dw.gzw, 1<<22)
	} else {
		dw.bufw = bufio.NewWriterSize(w, 1<<22)
	}
	dw.enc = gob.NewEncoder(dw.bufw)
	return dw
}

func (dw *datasetWriter) Encode(ent *DatasetEntry) error {
	return dw.enc.Encode(ent)
}

func (dw *datasetWriter) Flush() error {
	err := dw.bufw.Flush()
	if err != nil {
		return err
	}
	if dw.gzw != nil {
		return dw.gzw.Close()
	}
	return nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
