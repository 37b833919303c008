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
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"kvupsert/internal/upsert/api"
	"kvupsert/internal/upsert/config"
	"kvupsert/internal/upsert/telemetry"
)

func newServeCommand(cfg *config.Config, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve POST /upsert over HTTP until interrupted.",
		Long: `Starts the HTTP API on --listen and, when --metrics-addr is set, a
dedicated Prometheus endpoint. On SIGINT or SIGTERM in-flight requests get
--shutdown-grace to finish, then a final summary is printed to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cfg, stderr)
			if err != nil {
				return err
			}
			defer rt.Close()

			server := api.NewServer(rt.svc, rt.opts, rt.logger)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.ListenAndServe(gctx, cfg.ListenAddr, cfg.ShutdownGrace)
			})
			if cfg.MetricsAddr != "" {
				g.Go(func() error {
					return telemetry.Serve(gctx, cfg.MetricsAddr, rt.registry, rt.logger)
				})
			}
			err = g.Wait()

			fprintln(stdout, "Server gracefully stopped.")
			rt.summary.PrintFinal(stderr)
			return err
		},
	}
}
