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

// dumpcmd writes a human-readable listing of a dataset gob stream,
// for debugging.
type dumpcmd struct{}

func (cmd *dumpcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
			Name:        "palm dump",
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
		runner.Args = []string{"dump", "-local=true", "-i", *inputFilename, "-o", "/mnt/output/dump.txt"}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/dump.txt")
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

	var n, ncells int
	err = DecodeDataset(input, strings.HasSuffix(*inputFilename, ".gz"), func(ent *DatasetEntry) error {
		n++
		if len(ent.TypeMap) > 0 {
			fmt.Fprintf(bufw, "ent %d: TypeMap, %d coarse types\n", n, len(ent.TypeMap))
		}
		for _, c := range ent.Cells {
			ncells++
			if c.Flags == nil {
				fmt.Fprintf(bufw, "ent %d: cell %q sample %q cluster %q type %q (%s), untiered\n", n, c.ID, c.Sample, c.Cluster, c.FineType, c.Type)
			} else {
				fmt.Fprintf(bufw, "ent %d: cell %q sample %q cluster %q type %q (%s), healthy=%v type_pass=%v purity_pass=%v expansion_pass=%v tier1=%v\n",
					n, c.ID, c.Sample, c.Cluster, c.FineType, c.Type,
					c.Flags.HealthySample, c.Flags.TypePass, c.Flags.ClusterPurityPass, c.Flags.ExpansionPass, c.Flags.Tier1Malignant)
			}
		}
		return nil
	})
	if err != nil {
		return 1
	}
	fmt.Fprintf(bufw, "total: %d entries, %d cells\n", n, ncells)
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
