// Copyright (C) The PALM Cohort Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package palm

import (
	"bufio"
	"bytes"
	"encoding/csv"
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

// genotypeJoiner decorates externally called per-cell mutation
// genotypes (MUT/WT/ambiguous calls with UMI support, from the
// targeted enrichment pipeline) with the tiering flags of the
// matching cell. The join is purely relational, on (sample_id,
// cell_id); genotype rows with no matching cell are written with
// empty annotation fields and counted, never silently dropped.
type genotypeJoiner struct {
	genotypeFile string
	sampleColumn string
	idColumn     string
}

func (cmd *genotypeJoiner) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.StringVar(&cmd.genotypeFile, "genotype", "", "genotype calls `file` (CSV/TSV)")
	flags.StringVar(&cmd.sampleColumn, "sample-column", "sample_id", "header `name` of the sample column in the genotype file")
	flags.StringVar(&cmd.idColumn, "id-column", "cell_id", "header `name` of the cell barcode column in the genotype file")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if cmd.genotypeFile == "" {
		err = errors.New("must provide -genotype")
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
			Name:        "palm join-genotype",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         8000000000,
			VCPUs:       1,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename, &cmd.genotypeFile)
		if err != nil {
			return 1
		}
		runner.Args = []string{"join-genotype", "-local=true",
			"-i", *inputFilename,
			"-genotype", cmd.genotypeFile,
			"-sample-column", cmd.sampleColumn,
			"-id-column", cmd.idColumn,
			"-o", "/mnt/output/genotype_phenotype.csv",
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/genotype_phenotype.csv")
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
	cells, _, err := ReadCells(input, strings.HasSuffix(*inputFilename, ".gz"))
	if err != nil {
		return 1
	}
	err = input.Close()
	if err != nil {
		return 1
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
	err = cmd.doJoin(cells, bufw)
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

func (cmd *genotypeJoiner) doJoin(cells []Cell, output io.Writer) error {
	byKey := make(map[string]*Cell, len(cells))
	for i := range cells {
		c := &cells[i]
		if c.Flags == nil {
			return fmt.Errorf("cell %q has no tiering flags (run \"palm tier\" first)", c.ID)
		}
		byKey[c.Sample+"\000"+c.ID] = c
	}

	f, err := zopen(cmd.genotypeFile)
	if err != nil {
		return err
	}
	defer f.Close()
	rdr := bufio.NewReaderSize(f, 1<<20)
	head, err := rdr.Peek(1 << 16)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return err
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
		return fmt.Errorf("%s: reading header: %w", cmd.genotypeFile, err)
	}
	sampleCol, idCol := -1, -1
	for i, h := range header {
		switch h {
		case cmd.sampleColumn:
			sampleCol = i
		case cmd.idColumn:
			idCol = i
		}
	}
	if sampleCol < 0 || idCol < 0 {
		return fmt.Errorf("%s: header %q does not have columns %q and %q", cmd.genotypeFile, header, cmd.sampleColumn, cmd.idColumn)
	}

	out := append([]string(nil), header...)
	out = append(out, "fine_cell_type", "aggregated_cell_type", "cluster_id", "cluster_purity_pass", "expansion_pass", "tier1_broad", "tier1_malignant")
	_, err = fmt.Fprintln(output, strings.Join(quoteAll(out), ","))
	if err != nil {
		return err
	}

	var matched, unmatched int
	for {
		rec, err := csvr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		out = out[:0]
		out = append(out, rec...)
		if c, ok := byKey[rec[sampleCol]+"\000"+rec[idCol]]; ok {
			matched++
			out = append(out, c.FineType, string(c.Type), c.Cluster,
				fmt.Sprintf("%d", b2i(c.Flags.ClusterPurityPass)),
				fmt.Sprintf("%d", b2i(c.Flags.ExpansionPass)),
				fmt.Sprintf("%d", b2i(c.Flags.Tier1Broad)),
				fmt.Sprintf("%d", b2i(c.Flags.Tier1Malignant)))
		} else {
			unmatched++
			out = append(out, "", "", "", "", "", "", "")
		}
		_, err = fmt.Fprintln(output, strings.Join(quoteAll(out), ","))
		if err != nil {
			return err
		}
	}
	if unmatched > 0 {
		log.Warnf("%d genotype rows had no matching cell in the dataset (%d matched)", unmatched, matched)
	} else {
		log.Infof("joined %d genotype rows", matched)
	}
	return nil
}

func quoteAll(fields []string) []string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = csvQuote(f)
	}
	return quoted
}
