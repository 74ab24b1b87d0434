// Copyright (C) The PALM Cohort Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package palm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"sort"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

// importer reads per-cell metadata tables (CSV or TSV, optionally
// gzipped), maps each fine cell-type label onto its coarse category,
// and writes the cells as a dataset gob stream.
type importer struct {
	outputFile    string
	projectUUID   string
	runLocal      bool
	idColumn      string
	sampleColumn  string
	clusterColumn string
	typeColumn    string
	sampleID      string
	batchArgs
	encoder *datasetWriter
}

func (cmd *importer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.outputFile, "o", "-", "output `file`")
	flags.StringVar(&cmd.projectUUID, "project", "", "project `UUID` for output data")
	flags.BoolVar(&cmd.runLocal, "local", false, "run on local host (default: run in an arvados container)")
	flags.StringVar(&cmd.idColumn, "id-column", "cell_id", "header `name` of the cell barcode column")
	flags.StringVar(&cmd.sampleColumn, "sample-column", "sample_id", "header `name` of the sample column")
	flags.StringVar(&cmd.clusterColumn, "cluster-column", "cluster_id", "header `name` of the cluster column")
	flags.StringVar(&cmd.typeColumn, "type-column", "fine_cell_type", "header `name` of the fine cell type column")
	flags.StringVar(&cmd.sampleID, "sample", "", "sample `ID` for all cells (when the input has no sample column)")
	cmd.batchArgs.Flags(flags)
	priority := flags.Int("priority", 500, "container request priority")
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() == 0 {
		flags.Usage()
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	inputs := flags.Args()

	if !cmd.runLocal {
		if cmd.outputFile != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		client := arvados.NewClientFromEnv()
		var outputs []string
		outputs, err = cmd.batchArgs.RunBatches(context.Background(), func(ctx context.Context, batch int) (string, error) {
			runner := arvadosContainerRunner{
				Name:        fmt.Sprintf("palm import (batch %d of %d)", batch, cmd.batches),
				Client:      client,
				ProjectUUID: cmd.projectUUID,
				RAM:         8000000000,
				VCPUs:       4,
				Priority:    *priority,
			}
			batchInputs := append([]string(nil), inputs...)
			for i := range batchInputs {
				err := runner.TranslatePaths(&batchInputs[i])
				if err != nil {
					return "", err
				}
			}
			runner.Args = append([]string{"import", "-local=true",
				"-o", "/mnt/output/cells.gob.gz",
				"-id-column", cmd.idColumn,
				"-sample-column", cmd.sampleColumn,
				"-cluster-column", cmd.clusterColumn,
				"-type-column", cmd.typeColumn,
				"-sample", cmd.sampleID,
				"-loglevel", *loglevel,
			}, cmd.batchArgs.Args(batch)...)
			runner.Args = append(runner.Args, batchInputs...)
			out, err := runner.RunContext(ctx)
			if err != nil {
				return "", err
			}
			return out + "/cells.gob.gz", nil
		})
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, strings.Join(outputs, "\n"))
		return 0
	}

	var infiles []string
	for _, path := range inputs {
		files, err2 := allFiles(path, matchTableFile)
		if err2 != nil {
			err = err2
			return 1
		}
		infiles = append(infiles, files...)
	}
	sort.Strings(infiles)
	infiles = cmd.batchArgs.Slice(infiles)
	if len(infiles) == 0 {
		err = errors.New("no input files found")
		return 1
	}

	var output io.WriteCloser
	if cmd.outputFile == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(cmd.outputFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	cmd.encoder = newDatasetWriter(output, strings.HasSuffix(cmd.outputFile, ".gz"))

	typemap := DefaultAggregationMap()
	agg, err := newAggregator(typemap)
	if err != nil {
		return 1
	}

	err = cmd.doImport(infiles, typemap, agg)
	if err != nil {
		return 1
	}
	err = cmd.encoder.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *importer) doImport(infiles []string, typemap AggregationMap, agg *aggregator) error {
	parsed := make([][]Cell, len(infiles))
	throttle := throttle{Max: runtime.NumCPU()}
	for idx, infile := range infiles {
		idx, infile := idx, infile
		throttle.Acquire()
		go func() {
			defer throttle.Release()
			log.Infof("reading %s", infile)
			cells, err := cmd.parseFile(infile, agg)
			if err != nil {
				throttle.Report(fmt.Errorf("%s: %w", infile, err))
				return
			}
			log.Infof("%s: %d cells", infile, len(cells))
			parsed[idx] = cells
		}()
	}
	err := throttle.Wait()
	if err != nil {
		return err
	}
	ncells := 0
	for idx, cells := range parsed {
		ent := DatasetEntry{Cells: cells}
		if idx == 0 {
			ent.TypeMap = typemap
		}
		err = cmd.encoder.Encode(&ent)
		if err != nil {
			return err
		}
		ncells += len(cells)
	}
	log.Infof("imported %d cells from %d files", ncells, len(infiles))
	return nil
}

// parseFile reads one metadata table. The delimiter is sniffed from
// the header line (tab if present, comma otherwise).
func (cmd *importer) parseFile(fnm string, agg *aggregator) ([]Cell, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rdr := bufio.NewReaderSize(f, 1<<20)
	head, err := rdr.Peek(1 << 16)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, err
	}
	if eol := bytes.IndexByte(head, '\n'); eol >= 0 {
		head = head[:eol]
	}
	csvr := csv.NewReader(rdr)
	if bytes.ContainsRune(head, '\t') {
		csvr.Comma = '\t'
	}

	header, err := csvr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	colidx := func(name string) int {
		for i, h := range header {
			if h == name {
				return i
			}
		}
		return -1
	}
	idCol := colidx(cmd.idColumn)
	sampleCol := colidx(cmd.sampleColumn)
	clusterCol := colidx(cmd.clusterColumn)
	typeCol := colidx(cmd.typeColumn)
	if idCol < 0 || clusterCol < 0 || typeCol < 0 {
		return nil, fmt.Errorf("header %q does not have all of the required columns %q, %q, %q", header, cmd.idColumn, cmd.clusterColumn, cmd.typeColumn)
	}
	if sampleCol < 0 && cmd.sampleID == "" {
		return nil, fmt.Errorf("header %q has no column %q and no -sample override was given", header, cmd.sampleColumn)
	}

	var cells []Cell
	for line := 2; ; line++ {
		rec, err := csvr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		coarse, err := agg.Aggregate(rec[typeCol])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		sample := cmd.sampleID
		if sampleCol >= 0 {
			sample = rec[sampleCol]
		}
		cells = append(cells, Cell{
			ID:       rec[idCol],
			Sample:   sample,
			Cluster:  rec[clusterCol],
			FineType: rec[typeCol],
			Type:     coarse,
		})
	}
	return cells, nil
}
