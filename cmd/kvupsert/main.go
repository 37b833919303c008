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

// Package main provides the kvupsert binary: a CLI and HTTP service that
// writes key/value records to a store only when their keys are absent.
//
//	kvupsert upsert --store redis --input records.jsonl
//	kvupsert serve --store dynamodb --dynamodb-table records --metrics-addr :9090
//
// Every flag can also be set through KVUPSERT_* environment variables, a
// .env file or a config file (see internal/upsert/config).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := NewRootCommand(os.Stdin, os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func versionString() string {
	return fmt.Sprintf("kvupsert %s", Version)
}

func fprintln(w io.Writer, a ...any) { _, _ = fmt.Fprintln(w, a...) }
