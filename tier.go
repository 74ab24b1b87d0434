// Copyright (C) The PALM Cohort Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package palm

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

// tierOptions exposes the TierConfig fields as command line flags,
// shared by the tier, stats, and export-numpy commands.
type tierOptions struct {
	healthy    string
	purity     float64
	minLog2    float64
	candidates string
}

func (opts *tierOptions) Flags(flags *flag.FlagSet) {
	def := DefaultTierConfig()
	flags.StringVar(&opts.healthy, "healthy-samples", strings.Join(def.HealthySamples, ","), "comma-separated `IDs` of the healthy control samples")
	flags.Float64Var(&opts.purity, "purity-threshold", def.PurityThreshold, "minimum (exclusive) non-healthy `fraction` for a cluster to qualify")
	flags.Float64Var(&opts.minLog2, "min-log2-expansion", def.MinLog2Expansion, "minimum (exclusive) log2 `expansion` vs pooled healthy for a (sample,type) pair to qualify")
	var cand []string
	for _, t := range def.CandidateTypes {
		cand = append(cand, string(t))
	}
	flags.StringVar(&opts.candidates, "candidate-types", strings.Join(cand, ","), "comma-separated coarse `types` considered capable of malignancy")
}

func (opts *tierOptions) Config() (TierConfig, error) {
	config := TierConfig{
		PurityThreshold:  opts.purity,
		MinLog2Expansion: opts.minLog2,
	}
	for _, s := range strings.Split(opts.healthy, ",") {
		if s = strings.TrimSpace(s); s != "" {
			config.HealthySamples = append(config.HealthySamples, s)
		}
	}
	for _, s := range strings.Split(opts.candidates, ",") {
		if s = strings.TrimSpace(s); s != "" {
			config.CandidateTypes = append(config.CandidateTypes, CellType(s))
		}
	}
	if len(config.HealthySamples) == 0 {
		return config, errors.New("-healthy-samples is empty")
	}
	return config, nil
}

func (opts *tierOptions) Args() []string {
	return []string{
		"-healthy-samples=" + opts.healthy,
		fmt.Sprintf("-purity-threshold=%f", opts.purity),
		fmt.Sprintf("-min-log2-expansion=%f", opts.minLog2),
		"-candidate-types=" + opts.candidates,
	}
}

// tiercmd runs the malignancy tiering engine over an imported
// dataset and writes the same dataset with the per-cell flags
// populated.
type tiercmd struct {
	options tierOptions
}

func (cmd *tiercmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
			Name:        "palm tier",
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
		runner.Args = append([]string{"tier", "-local=true",
			"-i", *inputFilename,
			"-o", "/mnt/output/tiered.gob.gz",
		}, cmd.options.Args()...)
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/tiered.gob.gz")
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
	log.Info("reading dataset")
	cells, typemap, err := ReadCells(input, strings.HasSuffix(*inputFilename, ".gz"))
	if err != nil {
		return 1
	}
	err = input.Close()
	if err != nil {
		return 1
	}
	log.Infof("reading done, %d cells", len(cells))

	flagvals, err := engine.Annotate(cells)
	if err != nil {
		return 1
	}
	var nHealthy, nType, nPurity, nExpansion, nTier1 int
	for i := range cells {
		f := flagvals[i]
		cells[i].Flags = &f
		if f.HealthySample {
			nHealthy++
		}
		if f.TypePass {
			nType++
		}
		if f.ClusterPurityPass {
			nPurity++
		}
		if f.ExpansionPass {
			nExpansion++
		}
		if f.Tier1Malignant {
			nTier1++
		}
	}
	log.Infof("healthy %d, type_pass %d, cluster_purity_pass %d, expansion_pass %d, tier1_malignant %d (of %d cells)",
		nHealthy, nType, nPurity, nExpansion, nTier1, len(cells))

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
	w := newDatasetWriter(output, strings.HasSuffix(*outputFilename, ".gz"))
	err = w.Encode(&DatasetEntry{TypeMap: typemap, Cells: cells})
	if err != nil {
		return 1
	}
	err = w.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}
