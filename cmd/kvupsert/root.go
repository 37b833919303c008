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
	"context"
	"io"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kvupsert/internal/logging"
	"kvupsert/internal/sinks"
	"kvupsert/internal/upsert/config"
	"kvupsert/internal/upsert/core"
	"kvupsert/internal/upsert/persistence"
	"kvupsert/internal/upsert/telemetry"
)

// NewRootCommand builds the command tree. I/O streams are injected so the
// commands can be driven from tests.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cfg := &config.Config{}
	rc := &cobra.Command{
		Use:   "kvupsert",
		Short: "Write key/value records to a store only when their keys are absent.",
		Long: `kvupsert checks which keys of a record set already exist in the target
store and writes only the new ones, in bounded-concurrency batches.

Supported stores: memory, redis, dynamodb, postgres, sqlite.
` + versionString() + "\n",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			if err := config.Load(viper.New(), cmd.Flags()); err != nil {
				return err
			}
			return cfg.Validate()
		},
	}
	cfg.Flags(rc.PersistentFlags())

	rc.AddCommand(newUpsertCommand(cfg, stdin, stdout, stderr))
	rc.AddCommand(newServeCommand(cfg, stdout, stderr))
	rc.AddCommand(newVersionCommand(stdout))

	rc.SetIn(stdin)
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

func newVersionCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fprintln(stdout, versionString())
			return nil
		},
	}
}

// runtime is the wired engine shared by the upsert and serve commands.
type runtime struct {
	logger    *slog.Logger
	store     core.StoreClient
	svc       *core.Service
	opts      core.Options
	summary   *core.SummaryObserver
	collector *telemetry.Collector
	registry  *prometheus.Registry
	failures  *sinks.FailureFileSink

	closeStore func() error
}

func newRuntime(ctx context.Context, cfg *config.Config, stderr io.Writer) (*runtime, error) {
	logger, err := logging.New(stderr, cfg.Logging())
	if err != nil {
		return nil, err
	}
	rt := &runtime{logger: logger, registry: prometheus.NewRegistry()}

	so := cfg.StoreOptions()
	so.Logger = logger
	rt.store, rt.closeStore, err = persistence.BuildStore(ctx, cfg.Store, so)
	if err != nil {
		return nil, errors.Wrapf(err, "building %s store", cfg.Store)
	}

	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if rt.collector, err = telemetry.NewCollector(rt.registry); err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.summary = core.NewSummaryObserver()
	for _, s := range cfg.Settings() {
		rt.summary.SetSetting(s.Name, s.Value)
	}
	observers := []core.Observer{rt.summary, rt.collector}
	if cfg.FailureLog != "" {
		if rt.failures, err = sinks.NewFailureFileSink(cfg.FailureLog); err != nil {
			_ = rt.Close()
			return nil, err
		}
		observers = append(observers, rt.failures)
	}

	if rt.opts, err = cfg.CoreOptions(); err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.svc, err = core.NewService(rt.store, rt.opts,
		core.WithLogger(logger),
		core.WithObserver(core.MultiObserver(observers...)),
	)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	logger.Debug("Engine ready", "store", cfg.Store, "max_batch", rt.store.MaxBatchSize())
	return rt, nil
}

// Close flushes the failure log and releases store clients.
func (rt *runtime) Close() error {
	var first error
	if rt.failures != nil {
		if err := rt.failures.Close(); err != nil {
			first = err
		}
	}
	if rt.closeStore != nil {
		if err := rt.closeStore(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
