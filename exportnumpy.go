// Copyright (C) The PALM Cohort Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package palm

import (
	"bufio"
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
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

// exportNumpy writes the per-sample cell-type frequency matrix and
// the per-patient-sample log2-expansion matrix as .npy files, with
// row/column labels in companion CSV files. These are the inputs to
// the notebook figures.
type exportNumpy struct {
	options tierOptions
}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputDir := flags.String("output-dir", ".", "output `directory`")
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
		runner := arvadosContainerRunner{
			Name:        "palm export-numpy",
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
		runner.Args = append([]string{"export-numpy", "-local=true",
			"-i", *inputFilename,
			"-output-dir", "/mnt/output",
		}, cmd.options.Args()...)
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output)
		return 0
	}

	config, err := cmd.options.Config()
	if err != nil {
		return 2
	}
	engine, err := NewTierEngine(config)
	if err != nil {
		return 2
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
	cells, typemap, err := ReadCells(input, strings.HasSuffix(*inputFilename, ".gz"))
	if err != nil {
		return 1
	}
	err = input.Close()
	if err != nil {
		return 1
	}
	if typemap == nil {
		typemap = DefaultAggregationMap()
	}

	err = cmd.doExport(engine, cells, typemap, *outputDir)
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *exportNumpy) doExport(engine *TierEngine, cells []Cell, typemap AggregationMap, outdir string) error {
	freq, err := engine.TypeFrequencies(cells)
	if err != nil {
		return err
	}
	expansion, err := engine.Expansion(freq)
	if err != nil {
		return err
	}
	types := typemap.CellTypes()

	var samples []string
	var patients []string
	for sample := range freq {
		samples = append(samples, sample)
		if sample != HealthyPool && !engine.HealthySample(sample) {
			patients = append(patients, sample)
		}
	}
	sort.Strings(samples)
	sort.Strings(patients)

	fdata := make([]float64, len(samples)*len(types))
	for row, sample := range samples {
		for col, t := range types {
			fdata[row*len(types)+col] = freq[sample][t]
		}
	}
	err = writeNumpy(outdir+"/frequency.npy", fdata, len(samples), len(types))
	if err != nil {
		return err
	}

	// log2 expansion for observed (patient sample, type) pairs;
	// NaN marks pairs with no cells of that type in that sample.
	edata := make([]float64, len(patients)*len(types))
	for row, sample := range patients {
		for col, t := range types {
			r, ok := expansion[SampleType{Sample: sample, Type: t}]
			if !ok {
				edata[row*len(types)+col] = math.NaN()
			} else {
				edata[row*len(types)+col] = math.Log2(r)
			}
		}
	}
	err = writeNumpy(outdir+"/expansion.npy", edata, len(patients), len(types))
	if err != nil {
		return err
	}

	err = writeLabels(outdir+"/samples.csv", samples)
	if err != nil {
		return err
	}
	err = writeLabels(outdir+"/expansion_samples.csv", patients)
	if err != nil {
		return err
	}
	var typelabels []string
	for _, t := range types {
		typelabels = append(typelabels, string(t))
	}
	err = writeLabels(outdir+"/celltypes.csv", typelabels)
	if err != nil {
		return err
	}
	log.Infof("wrote %dx%d frequency and %dx%d expansion matrices to %s", len(samples), len(types), len(patients), len(types), outdir)
	return nil
}

func writeNumpy(fnm string, data []float64, rows, cols int) error {
	output, err := os.OpenFile(fnm, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{rows, cols}
	err = npw.WriteFloat64(data)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return output.Close()
}

func writeLabels(fnm string, labels []string) error {
	output, err := os.OpenFile(fnm, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	defer output.Close()
	for i, label := range labels {
		_, err = fmt.Fprintf(output, "%d,%s\n", i, csvQuote(label))
		if err != nil {
			return err
		}
	}
	return output.Close()
}
