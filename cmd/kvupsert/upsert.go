// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"kvupsert"
	"kvupsert/internal/upsert/config"
)

// exampleRecords is the two-record demo set written by --example.
var exampleRecords = []kvupsert.Record{
	{Key: "001", Value: json.RawMessage(`"example1"`)},
	{Key: "002", Value: json.RawMessage(`"example2"`)},
}

func newUpsertCommand(cfg *config.Config, stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var (
		input       string
		example     bool
		failOnError bool
		quiet       bool
	)
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Write the records of a JSON array or JSON lines input whose keys are absent.",
		Long: `Reads records shaped {"key": "...", "value": <any JSON>} from --input
(a file, or "-" for stdin), checks which keys already exist and writes the
rest. The call result is printed to stdout as JSON and a summary to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var recs []kvupsert.Record
			if example {
				recs = exampleRecords
			} else {
				var err error
				if recs, err = readInput(input, stdin); err != nil {
					return err
				}
			}

			rt, err := newRuntime(cmd.Context(), cfg, stderr)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.svc.Upsert(cmd.Context(), recs)
			rt.summary.PrintFinal(stderr)
			if err != nil {
				return err
			}
			if !quiet {
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return errors.Wrap(err, "writing result")
				}
			}
			if failOnError && res.Failed > 0 {
				return errors.Errorf("%d of %d records not written", res.Failed, res.Total)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&input, "input", "i", "-", `Record file (JSON array or JSON lines); "-" reads stdin.`)
	flags.BoolVar(&example, "example", false, "Write the built-in example records 001 and 002 instead of reading input.")
	flags.BoolVar(&failOnError, "fail-on-error", false, "Exit non-zero when any record was not written.")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Do not print the call result.")
	return cmd
}

func readInput(path string, stdin io.Reader) ([]kvupsert.Record, error) {
	if path == "" || path == "-" {
		return kvupsert.ReadRecords(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening input")
	}
	defer f.Close()
	return kvupsert.ReadRecords(f)
}
