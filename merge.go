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
	"reflect"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

// merger combines several dataset gob streams (e.g. one per import
// batch) into one. A cell barcode appearing twice within the same
// sample, or two streams imported with different aggregation maps,
// are fatal.
type merger struct {
	inputs []string
	output io.WriteCloser
}

func (cmd *merger) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputFilename := flags.String("o", "-", "output `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	cmd.inputs = flags.Args()
	if len(cmd.inputs) == 0 {
		err = errors.New("no input files specified")
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
			Name:        "palm merge",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         8000000000,
			VCPUs:       1,
			Priority:    *priority,
		}
		for i := range cmd.inputs {
			err = runner.TranslatePaths(&cmd.inputs[i])
			if err != nil {
				return 1
			}
		}
		runner.Args = append([]string{"merge", "-local=true",
			"-o", "/mnt/output/cells.gob.gz",
		}, cmd.inputs...)
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/cells.gob.gz")
		return 0
	}

	var infiles []string
	for _, path := range cmd.inputs {
		files, err2 := allFiles(path, matchGobFile)
		if err2 != nil {
			err = err2
			return 1
		}
		infiles = append(infiles, files...)
	}
	cmd.inputs = infiles

	if *outputFilename == "-" {
		cmd.output = nopCloser{stdout}
	} else {
		cmd.output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
		if err != nil {
			return 1
		}
		defer cmd.output.Close()
	}

	err = cmd.doMerge(strings.HasSuffix(*outputFilename, ".gz"))
	if err != nil {
		return 1
	}
	err = cmd.output.Close()
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *merger) doMerge(gz bool) error {
	w := newDatasetWriter(cmd.output, gz)
	var typemap AggregationMap
	seen := map[string]bool{}
	ncells := 0
	for _, input := range cmd.inputs {
		f, err := open(input)
		if err != nil {
			return err
		}
		err = DecodeDataset(f, strings.HasSuffix(input, ".gz"), func(ent *DatasetEntry) error {
			out := DatasetEntry{Cells: ent.Cells}
			if len(ent.TypeMap) > 0 {
				if typemap == nil {
					typemap = ent.TypeMap
					out.TypeMap = ent.TypeMap
				} else if !reflect.DeepEqual(typemap, ent.TypeMap) {
					return fmt.Errorf("%s: aggregation map conflicts with an earlier input", input)
				}
			}
			for _, c := range ent.Cells {
				key := c.Sample + "\000" + c.ID
				if seen[key] {
					return fmt.Errorf("%s: duplicate cell %q in sample %q", input, c.ID, c.Sample)
				}
				seen[key] = true
			}
			ncells += len(ent.Cells)
			return w.Encode(&out)
		})
		f.Close()
		if err != nil {
			return err
		}
	}
	log.Infof("merged %d cells from %d files", ncells, len(cmd.inputs))
	return w.Flush()
}
