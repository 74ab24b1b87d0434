// Copyright (C) The PALM Cohort Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package palm

import (
	"bytes"
	"os"
	"strings"

	"gopkg.in/check.v1"
)

type genotypeSuite struct{}

var _ = check.Suite(&genotypeSuite{})

func (s *genotypeSuite) writeTieredDataset(c *check.C, fnm string) {
	cells := []Cell{
		{ID: "BC1", Sample: "PALM01", Cluster: "c1", FineType: "CD14 Mono", Type: TypeMonocyte,
			Flags: &TierFlags{TypePass: true, ClusterPurityPass: true, ExpansionPass: true, Tier1Broad: true, Tier1Malignant: true}},
		{ID: "BC2", Sample: "hBM1", Cluster: "c2", FineType: "Early Eryth", Type: TypeErythroid,
			Flags: &TierFlags{HealthySample: true, TypePass: true}},
	}
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	c.Assert(err, check.IsNil)
	defer f.Close()
	w := newDatasetWriter(f, false)
	err = w.Encode(&DatasetEntry{TypeMap: DefaultAggregationMap(), Cells: cells})
	c.Assert(err, check.IsNil)
	c.Assert(w.Flush(), check.IsNil)
	c.Assert(f.Close(), check.IsNil)
}

func (s *genotypeSuite) TestJoinGenotype(c *check.C) {
	tmpdir := c.MkDir()
	s.writeTieredDataset(c, tmpdir+"/tiered.gob")
	err := os.WriteFile(tmpdir+"/genotype.csv", []byte(""+
		"sample_id,cell_id,variant,call\n"+
		"PALM01,BC1,DNMT3A_R882H,MUT\n"+
		"hBM1,BC2,DNMT3A_R882H,WT\n"+
		"PALM01,BC9,DNMT3A_R882H,AMB\n"), 0644)
	c.Assert(err, check.IsNil)

	var stdout bytes.Buffer
	exited := (&genotypeJoiner{}).RunCommand("palm join-genotype", []string{"-local=true",
		"-i", tmpdir + "/tiered.gob",
		"-genotype", tmpdir + "/genotype.csv",
	}, &bytes.Buffer{}, &stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	lines := strings.Split(strings.TrimRight(stdout.String(), "\n"), "\n")
	c.Assert(lines, check.HasLen, 4)
	c.Check(lines[0], check.Equals, "sample_id,cell_id,variant,call,fine_cell_type,aggregated_cell_type,cluster_id,cluster_purity_pass,expansion_pass,tier1_broad,tier1_malignant")
	c.Check(lines[1], check.Equals, "PALM01,BC1,DNMT3A_R882H,MUT,CD14 Mono,Monocyte,c1,1,1,1,1")
	c.Check(lines[2], check.Equals, "hBM1,BC2,DNMT3A_R882H,WT,Early Eryth,Erythroid,c2,0,0,0,0")
	// unmatched rows keep their genotype fields, annotation empty
	c.Check(lines[3], check.Equals, "PALM01,BC9,DNMT3A_R882H,AMB,,,,,,,")
}

func (s *genotypeSuite) TestJoinGenotypeTSV(c *check.C) {
	tmpdir := c.MkDir()
	s.writeTieredDataset(c, tmpdir+"/tiered.gob")
	err := os.WriteFile(tmpdir+"/genotype.tsv", []byte(""+
		"sample_id\tcell_id\tcall\n"+
		"PALM01\tBC1\tMUT\n"), 0644)
	c.Assert(err, check.IsNil)

	var stdout bytes.Buffer
	exited := (&genotypeJoiner{}).RunCommand("palm join-genotype", []string{"-local=true",
		"-i", tmpdir + "/tiered.gob",
		"-genotype", tmpdir + "/genotype.tsv",
	}, &bytes.Buffer{}, &stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)
	lines := strings.Split(strings.TrimRight(stdout.String(), "\n"), "\n")
	c.Assert(lines, check.HasLen, 2)
	c.Check(lines[1], check.Equals, "PALM01,BC1,MUT,CD14 Mono,Monocyte,c1,1,1,1,1")
}

func (s *genotypeSuite) TestJoinGenotypeMissingColumn(c *check.C) {
	tmpdir := c.MkDir()
	s.writeTieredDataset(c, tmpdir+"/tiered.gob")
	err := os.WriteFile(tmpdir+"/genotype.csv", []byte("sample,barcode,call\nPALM01,BC1,MUT\n"), 0644)
	c.Assert(err, check.IsNil)

	var stderr bytes.Buffer
	exited := (&genotypeJoiner{}).RunCommand("palm join-genotype", []string{"-local=true",
		"-i", tmpdir + "/tiered.gob",
		"-genotype", tmpdir + "/genotype.csv",
	}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*does not have columns "sample_id" and "cell_id".*`)
}
