// Copyright (C) The PALM Cohort Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package palm

import (
	"bytes"
	"fmt"
	"math"
	"os"

	"github.com/kshedden/gonpy"
	"gopkg.in/check.v1"
)

type exportSuite struct{}

var _ = check.Suite(&exportSuite{})

// writeTestDataset writes a gob dataset with the same composition as
// writeTestTable, skipping the import step.
func writeTestDataset(c *check.C, fnm string) {
	var cells []Cell
	add := func(sample, cluster, fine string, typ CellType, n int) {
		for i := 0; i < n; i++ {
			cells = append(cells, Cell{
				ID:       fmt.Sprintf("BC%04d", len(cells)+1),
				Sample:   sample,
				Cluster:  cluster,
				FineType: fine,
				Type:     typ,
			})
		}
	}
	add("hBM1", "cM", "CD14 Mono", TypeMonocyte, 1)
	add("hBM1", "cM", "Early Eryth", TypeErythroid, 9)
	add("PALM01", "cP", "CD14 Mono", TypeMonocyte, 5)
	add("PALM01", "cP", "Early Eryth", TypeErythroid, 5)

	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	c.Assert(err, check.IsNil)
	defer f.Close()
	w := newDatasetWriter(f, false)
	err = w.Encode(&DatasetEntry{TypeMap: DefaultAggregationMap(), Cells: cells})
	c.Assert(err, check.IsNil)
	c.Assert(w.Flush(), check.IsNil)
	c.Assert(f.Close(), check.IsNil)
}

func (s *exportSuite) TestExportNumpy(c *check.C) {
	tmpdir := c.MkDir()
	writeTestDataset(c, tmpdir+"/cells.gob")

	exited := (&exportNumpy{}).RunCommand("palm export-numpy", []string{"-local=true",
		"-i", tmpdir + "/cells.gob",
		"-output-dir", tmpdir,
		"-healthy-samples", "hBM1",
	}, &bytes.Buffer{}, os.Stderr, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	types := DefaultAggregationMap().CellTypes()
	ntypes := len(types)
	monoCol, eryCol := -1, -1
	for i, t := range types {
		switch t {
		case TypeMonocyte:
			monoCol = i
		case TypeErythroid:
			eryCol = i
		}
	}
	c.Assert(monoCol >= 0, check.Equals, true)
	c.Assert(eryCol >= 0, check.Equals, true)

	// frequency matrix: rows sorted "PALM01" < "hBM" < "hBM1"
	rdr, err := gonpy.NewFileReader(tmpdir + "/frequency.npy")
	c.Assert(err, check.IsNil)
	c.Check(rdr.Shape, check.DeepEquals, []int{3, ntypes})
	freq, err := rdr.GetFloat64()
	c.Assert(err, check.IsNil)
	c.Check(freq[0*ntypes+monoCol], check.Equals, 0.5)
	c.Check(freq[0*ntypes+eryCol], check.Equals, 0.5)
	c.Check(freq[1*ntypes+monoCol], check.Equals, 0.1)
	c.Check(freq[1*ntypes+eryCol], check.Equals, 0.9)
	c.Check(freq[2*ntypes+monoCol], check.Equals, 0.1)

	// expansion matrix: one patient sample, log2 ratios, NaN where
	// the sample has no cells of that type
	rdr, err = gonpy.NewFileReader(tmpdir + "/expansion.npy")
	c.Assert(err, check.IsNil)
	c.Check(rdr.Shape, check.DeepEquals, []int{1, ntypes})
	exp, err := rdr.GetFloat64()
	c.Assert(err, check.IsNil)
	c.Check(fmt.Sprintf("%.6f", exp[monoCol]), check.Equals, "2.321928")
	c.Check(exp[eryCol] < 0, check.Equals, true)
	for i := range exp {
		if i != monoCol && i != eryCol {
			c.Check(math.IsNaN(exp[i]), check.Equals, true, check.Commentf("type %s", types[i]))
		}
	}

	samples, err := os.ReadFile(tmpdir + "/samples.csv")
	c.Assert(err, check.IsNil)
	c.Check(string(samples), check.Equals, "0,PALM01\n1,hBM\n2,hBM1\n")
	patients, err := os.ReadFile(tmpdir + "/expansion_samples.csv")
	c.Assert(err, check.IsNil)
	c.Check(string(patients), check.Equals, "0,PALM01\n")
	labels, err := os.ReadFile(tmpdir + "/celltypes.csv")
	c.Assert(err, check.IsNil)
	c.Check(string(labels), check.Matches, `(?ms).*`+fmt.Sprintf("%d,Monocyte", monoCol)+`.*`)
}

func (s *exportSuite) TestExportRequiresTiering(c *check.C) {
	tmpdir := c.MkDir()
	writeTestDataset(c, tmpdir+"/cells.gob")
	var stderr bytes.Buffer
	exited := (&exporter{}).RunCommand("palm export", []string{"-local=true",
		"-i", tmpdir + "/cells.gob",
	}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*run "palm tier" first.*`)
}
