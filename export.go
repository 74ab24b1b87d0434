// Copyright (C) The PALM Cohort Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package palm

import (
	"bufio"
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

// exporter writes the augmented per-cell metadata table as CSV for
// downstream genotype-integration analyses. Boolean flags are
// written as 0/1.
type exporter struct{}

func (cmd *exporter) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	inputFilename := flags.String("i", "-", "input `file` (tiered dataset)")
	outputFilename := flags.String("o", "-", "output `file`")
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
			Name:        "palm export",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         4000000000,
			VCPUs:       1,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"export", "-local=true", "-i", *inputFilename, "-o", "/mnt/output/cells.csv"}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/cells.csv")
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

	bufw := bufio.NewWriterSize(output, 1<<20)
	err = cmd.doExport(input, strings.HasSuffix(*inputFilename, ".gz"), bufw)
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

func (cmd *exporter) doExport(input io.Reader, gz bool, output io.Writer) error {
	_, err := fmt.Fprintln(output, "cell_id,sample_id,cluster_id,fine_cell_type,aggregated_cell_type,is_healthy_sample,cluster_purity_pass,expansion_pass,tier1_broad,tier1_malignant")
	if err != nil {
		return err
	}
	n := 0
	err = DecodeDataset(input, gz, func(ent *DatasetEntry) error {
		for _, c := range ent.Cells {
			if c.Flags == nil {
				return fmt.Errorf("cell %q has no tiering flags (run \"palm tier\" first)", c.ID)
			}
			_, err := fmt.Fprintf(output, "%s,%s,%s,%s,%s,%d,%d,%d,%d,%d\n",
				csvQuote(c.ID), csvQuote(c.Sample), csvQuote(c.Cluster), csvQuote(c.FineType), c.Type,
				b2i(c.Flags.HealthySample),
				b2i(c.Flags.ClusterPurityPass),
				b2i(c.Flags.ExpansionPass),
				b2i(c.Flags.Tier1Broad),
				b2i(c.Flags.Tier1Malignant))
			if err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Infof("exported %d cells", n)
	return nil
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// csvQuote quotes a field if it contains a comma or quote. Cell
// barcodes and cluster IDs normally never need this.
func csvQuote(s string) string {
	if !strings.ContainsAny(s, `",`) {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
