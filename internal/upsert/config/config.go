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

// Package config defines every setting of the kvupsert binary as a pflag
// flag and resolves them from flags, environment, an optional .env file and
// an optional config file, in that priority order.
//
// Environment variables are the flag names upper-cased with dashes replaced
// by underscores and prefixed with KVUPSERT_, e.g. KVUPSERT_REDIS_ADDR.
// Config files use the flag names as keys (TOML, YAML or JSON by extension).
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"kvupsert/internal/logging"
	"kvupsert/internal/upsert/core"
	"kvupsert/internal/upsert/persistence"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "KVUPSERT"

// Config holds all settings.
type Config struct {
	ConfigFile string
	EnvFile    string

	Store string

	BatchSize        int
	DisableBatching  bool
	CheckConcurrency int
	WriteConcurrency int
	ExistencePolicy  string
	ValidationPolicy string
	Timeout          time.Duration

	LogLevel  string
	LogFormat string

	ListenAddr    string
	MetricsAddr   string
	ShutdownGrace time.Duration
	FailureLog    string

	MemoryMaxBatch int

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
	RedisTTL       time.Duration
	RedisMaxBatch  int

	DynamoTable          string
	DynamoRegion         string
	DynamoEndpoint       string
	DynamoKeyAttribute   string
	DynamoValueAttribute string
	DynamoConsistentRead bool
	DynamoMaxRetries     int
	AWSProfile           string
	AWSAccessKeyID       string
	AWSSecretAccessKey   string
	AWSSessionToken      string

	SQLDSN          string
	SQLTable        string
	SQLCreateTable  bool
	SQLMaxBatch     int
	SQLQueryTimeout time.Duration

	RateLimit float64
	RateBurst int

	KafkaBrokers []string
	KafkaTopic   string
	KafkaDemo    bool
}

// Default returns a config with every default applied.
func Default() *Config {
	c := &Config{}
	c.Flags(pflag.NewFlagSet("defaults", pflag.ContinueOnError))
	return c
}

// Flags registers every setting on fs, bound to c.
func (c *Config) Flags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.ConfigFile, "config", "c", "", "Configuration file to read from (toml, yaml or json).")
	fs.StringVar(&c.EnvFile, "env-file", "", "Dotenv file to load; .env in the working directory is loaded when present.")

	fs.StringVar(&c.Store, "store", persistence.AdapterMemory, "Store adapter: "+strings.Join(persistence.Adapters(), ", ")+".")

	fs.IntVar(&c.BatchSize, "batch-size", 0, "Records per batch write; 0 uses the store maximum.")
	fs.BoolVar(&c.DisableBatching, "disable-batching", false, "Write records one at a time.")
	fs.IntVar(&c.CheckConcurrency, "check-concurrency", core.DefaultCheckConcurrency, "Maximum in-flight existence checks.")
	fs.IntVar(&c.WriteConcurrency, "write-concurrency", core.DefaultWriteConcurrency, "Maximum in-flight write units.")
	fs.StringVar(&c.ExistencePolicy, "existence-policy", core.FailFast.String(), "On a failed existence check: fail-fast or best-effort.")
	fs.StringVar(&c.ValidationPolicy, "validation-policy", core.ValidationReject.String(), "On an invalid record: reject or report.")
	fs.DurationVar(&c.Timeout, "timeout", 0, "Deadline for one upsert call; 0 means none.")

	fs.StringVar(&c.LogLevel, "log-level", "info", "Log level: debug, info, warn, error.")
	fs.StringVar(&c.LogFormat, "log-format", "text", "Log format: text or json.")

	fs.StringVar(&c.ListenAddr, "listen", ":8080", "HTTP API listen address (serve).")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", "", "Address for a dedicated Prometheus /metrics endpoint; empty disables it.")
	fs.DurationVar(&c.ShutdownGrace, "shutdown-grace", 10*time.Second, "Time allowed for in-flight requests on shutdown.")
	fs.StringVar(&c.FailureLog, "failure-log", "", "Append records that were not written to this JSONL file.")

	fs.IntVar(&c.MemoryMaxBatch, "memory-max-batch", core.DefaultMemoryBatchSize, "Batch limit of the memory store.")

	fs.StringVar(&c.RedisAddr, "redis-addr", "127.0.0.1:6379", "Redis address.")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password.")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number.")
	fs.StringVar(&c.RedisKeyPrefix, "redis-key-prefix", "", "Prefix for every record key in Redis.")
	fs.DurationVar(&c.RedisTTL, "redis-ttl", 0, "Expiry of written records; 0 keeps them forever.")
	fs.IntVar(&c.RedisMaxBatch, "redis-max-batch", persistence.DefaultRedisBatchSize, "Records per Redis MULTI/EXEC.")

	fs.StringVar(&c.DynamoTable, "dynamodb-table", "", "DynamoDB table name.")
	fs.StringVar(&c.DynamoRegion, "dynamodb-region", "", "AWS region; empty uses the SDK default chain.")
	fs.StringVar(&c.DynamoEndpoint, "dynamodb-endpoint", "", "DynamoDB endpoint override, e.g. DynamoDB Local.")
	fs.StringVar(&c.DynamoKeyAttribute, "dynamodb-key-attribute", "key", "Partition key attribute name.")
	fs.StringVar(&c.DynamoValueAttribute, "dynamodb-value-attribute", "value", "Value attribute name.")
	fs.BoolVar(&c.DynamoConsistentRead, "dynamodb-consistent-read", true, "Use strongly consistent reads for existence checks.")
	fs.IntVar(&c.DynamoMaxRetries, "dynamodb-max-retries", 3, "AWS SDK retries per request.")
	fs.StringVar(&c.AWSProfile, "aws-profile", "", "Shared credentials profile.")
	fs.StringVar(&c.AWSAccessKeyID, "aws-access-key-id", "", "Static AWS access key id.")
	fs.StringVar(&c.AWSSecretAccessKey, "aws-secret-access-key", "", "Static AWS secret access key.")
	fs.StringVar(&c.AWSSessionToken, "aws-session-token", "", "Static AWS session token.")

	fs.StringVar(&c.SQLDSN, "sql-dsn", "", "Postgres connection string or SQLite path.")
	fs.StringVar(&c.SQLTable, "sql-table", "kv_records", "SQL table holding records.")
	fs.BoolVar(&c.SQLCreateTable, "sql-create-table", true, "Create the SQL table when missing.")
	fs.IntVar(&c.SQLMaxBatch, "sql-max-batch", persistence.DefaultSQLBatchSize, "Rows per SQL transaction.")
	fs.DurationVar(&c.SQLQueryTimeout, "sql-query-timeout", 10*time.Second, "Per-query timeout when the call has no deadline.")

	fs.Float64Var(&c.RateLimit, "rate-limit", 0, "Client-side store operations per second; 0 disables.")
	fs.IntVar(&c.RateBurst, "rate-burst", 1, "Token bucket burst for --rate-limit.")

	fs.StringSliceVar(&c.KafkaBrokers, "kafka-brokers", nil, "Kafka brokers for the write journal.")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", "", "Journal topic; empty disables the journal.")
	fs.BoolVar(&c.KafkaDemo, "kafka-demo", false, "Print journal messages instead of producing them.")
}

// Load resolves every flag of fs that was not set on the command line from,
// in order, the environment (after loading the dotenv file) and the config
// file. Since each flag points at its destination field, Load fills the
// Config the flags were registered from.
func Load(v *viper.Viper, fs *pflag.FlagSet) error {
	if err := v.BindPFlags(fs); err != nil {
		return errors.Wrap(err, "binding flags")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	// Environment lookups are lazy, so dotenv values loaded here are seen below.
	if err := loadDotEnv(v.GetString("env-file")); err != nil {
		return err
	}

	validTags := make(map[string]bool)
	fs.VisitAll(func(f *pflag.Flag) {
		validTags[f.Name] = true
	})

	if c := v.GetString("config"); c != "" {
		v.SetConfigFile(c)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "reading configuration file '%s'", c)
		}
		for _, key := range v.AllKeys() {
			if !validTags[key] {
				return errors.Errorf("invalid option in configuration file: %v", key)
			}
		}
	}

	var flagErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil || f.Changed {
			// Flags set on the command line win.
			return
		}
		var value string
		if f.Value.Type() == "stringSlice" {
			// v.GetString is empty for real slices from a config file.
			value = strings.Join(v.GetStringSlice(f.Name), ",")
		} else {
			value = v.GetString(f.Name)
		}
		if err := f.Value.Set(value); err != nil {
			flagErr = errors.Wrapf(err, "setting %s", f.Name)
		}
	})
	return flagErr
}

// loadDotEnv loads path, or .env when path is empty and the file exists.
// Variables already in the environment are kept.
func loadDotEnv(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return errors.Wrapf(err, "loading env file %s", path)
	}
	return nil
}

// Validate checks cross-field requirements not expressible as flag types.
func (c *Config) Validate() error {
	if _, err := c.CoreOptions(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return errors.Errorf("unknown log format %q (want text or json)", c.LogFormat)
	}
	switch strings.ToLower(c.Store) {
	case persistence.AdapterMemory:
	case persistence.AdapterRedis:
		if c.RedisAddr == "" {
			return errors.New("--redis-addr is required for the redis store")
		}
	case persistence.AdapterDynamoDB:
		if c.DynamoTable == "" {
			return errors.New("--dynamodb-table is required for the dynamodb store")
		}
		if (c.AWSAccessKeyID == "") != (c.AWSSecretAccessKey == "") {
			return errors.New("--aws-access-key-id and --aws-secret-access-key must be set together")
		}
	case persistence.AdapterPostgres, persistence.AdapterSQLite:
		if c.SQLDSN == "" {
			return errors.Errorf("--sql-dsn is required for the %s store", c.Store)
		}
	default:
		return errors.Errorf("unknown store %q (want one of %s)", c.Store, strings.Join(persistence.Adapters(), ", "))
	}
	if c.RateLimit < 0 {
		return errors.Errorf("--rate-limit must not be negative, got %v", c.RateLimit)
	}
	if c.KafkaTopic != "" && len(c.KafkaBrokers) == 0 && !c.KafkaDemo {
		return errors.New("--kafka-topic requires --kafka-brokers or --kafka-demo")
	}
	return nil
}

// CoreOptions converts the engine settings. Range checks against the store
// limit happen when the service is built.
func (c *Config) CoreOptions() (core.Options, error) {
	ep, err := core.ParseExistencePolicy(c.ExistencePolicy)
	if err != nil {
		return core.Options{}, err
	}
	vp, err := core.ParseValidationPolicy(c.ValidationPolicy)
	if err != nil {
		return core.Options{}, err
	}
	return core.Options{
		BatchSize:        c.BatchSize,
		DisableBatching:  c.DisableBatching,
		CheckConcurrency: c.CheckConcurrency,
		WriteConcurrency: c.WriteConcurrency,
		ExistencePolicy:  ep,
		ValidationPolicy: vp,
		Timeout:          c.Timeout,
	}, nil
}

// StoreOptions converts the adapter settings.
func (c *Config) StoreOptions() persistence.StoreOptions {
	return persistence.StoreOptions{
		MemoryMaxBatch: c.MemoryMaxBatch,
		Redis: persistence.RedisConfig{
			Addr:      c.RedisAddr,
			Password:  c.RedisPassword,
			DB:        c.RedisDB,
			KeyPrefix: c.RedisKeyPrefix,
			TTL:       c.RedisTTL,
			MaxBatch:  c.RedisMaxBatch,
		},
		Dynamo: persistence.DynamoConfig{
			Table:           c.DynamoTable,
			KeyAttribute:    c.DynamoKeyAttribute,
			ValueAttribute:  c.DynamoValueAttribute,
			ConsistentRead:  c.DynamoConsistentRead,
			Region:          c.DynamoRegion,
			Endpoint:        c.DynamoEndpoint,
			Profile:         c.AWSProfile,
			AccessKeyID:     c.AWSAccessKeyID,
			SecretAccessKey: c.AWSSecretAccessKey,
			SessionToken:    c.AWSSessionToken,
			MaxRetries:      c.DynamoMaxRetries,
		},
		SQL: persistence.SQLConfig{
			DSN:          c.SQLDSN,
			Table:        c.SQLTable,
			CreateTable:  c.SQLCreateTable,
			MaxBatch:     c.SQLMaxBatch,
			QueryTimeout: c.SQLQueryTimeout,
		},
		RateLimit: c.RateLimit,
		RateBurst: c.RateBurst,
		Journal: persistence.JournalConfig{
			Brokers: c.KafkaBrokers,
			Topic:   c.KafkaTopic,
			Demo:    c.KafkaDemo,
		},
	}
}

// Logging returns the logger settings.
func (c *Config) Logging() logging.Config {
	return logging.Config{Level: c.LogLevel, Format: c.LogFormat}
}

// Setting is one named value reported in the final summary.
type Setting struct {
	Name  string
	Value any
}

// Settings lists the settings worth echoing at the end of a run. Secrets
// are never included.
func (c *Config) Settings() []Setting {
	out := []Setting{
		{"store", c.Store},
		{"batch_size", c.BatchSize},
		{"disable_batching", c.DisableBatching},
		{"check_concurrency", c.CheckConcurrency},
		{"write_concurrency", c.WriteConcurrency},
		{"existence_policy", c.ExistencePolicy},
		{"validation_policy", c.ValidationPolicy},
		{"timeout", c.Timeout},
	}
	if c.RateLimit > 0 {
		out = append(out, Setting{"rate_limit", c.RateLimit})
	}
	if c.KafkaTopic != "" {
		out = append(out, Setting{"kafka_topic", c.KafkaTopic})
	}
	return out
}
