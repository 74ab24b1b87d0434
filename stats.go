// Copyright (C) The PALM Cohort Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package palm

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sort"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// statscmd reports the distributions the tiering thresholds were
// chosen from (per-cluster non-healthy fraction, per-(sample,type)
// log2 expansion) plus per-filter pass counts, as JSON.
type statscmd struct {
	options tierOptions
}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	inputFilename := flags.String("i", "-", "input `file` (dataset)")
	outputFilename := flags.String("o", "-", "output `file`")
	cmd.options.Flags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "palm stats",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         8000000000,
			VCPUs:       1,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = append([]string{"stats", "-local=true",
			"-i", *inputFilename,
			"-o", "/mnt/output/stats.json",
		}, cmd.options.Args()...)
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/stats.json")
		return 0
	}

	var input io.ReadCloser
	if *inputFilename == "-" {
		input = io.NopCloser(stdin)
	} else {
		input, err = open(*inputFilename)
		if err != nil {
			return 1
		}
		defer input.Close()
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
		if err != nil {
			return 1
		}
		defer output.Close()
	}

	bufw := bufio.NewWriter(output)
	err = cmd.doStats(input, strings.HasSuffix(*inputFilename, ".gz"), bufw)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *statscmd) doStats(input io.Reader, gz bool, output io.Writer) error {
	var ret struct {
		Cells              int
		Samples            int
		HealthyCells       int
		Clusters           int
		QualifyingClusters int
		PurityHistogram    struct {
			Dividers []float64
			Counts   []float64
		}
		ExpansionPairs         int
		QualifyingPairs        int
		Log2ExpansionQuantiles map[string]float64
		TypePassCells          int
		ClusterPurityPassCells int
		ExpansionPassCells     int
		Tier1BroadCells        int
		Tier1MalignantCells    int
	}

	config, err := cmd.options.Config()
	if err != nil {
		return err
	}
	engine, err := NewTierEngine(config)
	if err != nil {
		return err
	}

	cells, _, err := ReadCells(input, gz)
	if err != nil {
		return err
	}

	purity := engine.ClusterPurity(cells)
	freq, err := engine.TypeFrequencies(cells)
	if err != nil {
		return err
	}
	expansion, err := engine.Expansion(freq)
	if err != nil {
		return err
	}
	flags, err := engine.Annotate(cells)
	if err != nil {
		return err
	}

	ret.Cells = len(cells)
	seenSamples := map[string]bool{}
	for _, c := range cells {
		seenSamples[c.Sample] = true
	}
	ret.Samples = len(seenSamples)

	purities := make([]float64, 0, len(purity))
	for _, p := range purity {
		purities = append(purities, p)
		if p > config.PurityThreshold {
			ret.QualifyingClusters++
		}
	}
	sort.Float64s(purities)
	ret.Clusters = len(purities)
	// 0.05-wide bins covering [0,1]
	dividers := make([]float64, 22)
	floats.Span(dividers, 0, 1.05)
	ret.PurityHistogram.Dividers = dividers
	ret.PurityHistogram.Counts = stat.Histogram(nil, dividers, purities, nil)

	log2exp := make([]float64, 0, len(expansion))
	for _, r := range expansion {
		l := math.Log2(r)
		log2exp = append(log2exp, l)
		if l > config.MinLog2Expansion {
			ret.QualifyingPairs++
		}
	}
	sort.Float64s(log2exp)
	ret.ExpansionPairs = len(log2exp)
	ret.Log2ExpansionQuantiles = map[string]float64{}
	// a healthy-only dataset has no patient (sample,type) pairs
	if len(log2exp) > 0 {
		for _, p := range []float64{0.05, 0.25, 0.5, 0.75, 0.95} {
			ret.Log2ExpansionQuantiles[fmt.Sprintf("p%02.0f", p*100)] = stat.Quantile(p, stat.Empirical, log2exp, nil)
		}
	}

	for _, f := range flags {
		if f.HealthySample {
			ret.HealthyCells++
		}
		if f.TypePass {
			ret.TypePassCells++
		}
		if f.ClusterPurityPass {
			ret.ClusterPurityPassCells++
		}
		if f.ExpansionPass {
			ret.ExpansionPassCells++
		}
		if f.Tier1Broad {
			ret.Tier1BroadCells++
		}
		if f.Tier1Malignant {
			ret.Tier1MalignantCells++
		}
	}

	return json.NewEncoder(output).Encode(ret)
}
