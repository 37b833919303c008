// http-loadgen is a tiny HTTP load generator for `kvupsert serve`.
// It reuses HTTP connections (keep-alive) and sends concurrent POST /upsert
// calls whose keys cycle through a bounded key space, so once the space is
// exhausted every call mostly hits existing keys.
//
// Usage examples:
//
//	http-loadgen --base=http://127.0.0.1:8080 --n=200 --c=8 --records=100 --key-space=5000
//	http-loadgen --n=50 --records=25 --key-space=25 --options='{"existence_policy":"best-effort"}'
//
// Prints a one-line summary with duration, throughput and the aggregated
// written/skipped/failed counts reported by the server.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"
)

type record struct {
	Key   string `json:"key"`
	Value int    `json:"value"`
}

type request struct {
	Records []record        `json:"records"`
	Options json.RawMessage `json:"options,omitempty"`
}

type result struct {
	Written int `json:"written"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// buildRequest returns call i's body: records keyed by consecutive positions
// of the key space, wrapping around.
func buildRequest(i, records, keySpace int, options json.RawMessage) ([]byte, error) {
	req := request{Records: make([]record, records), Options: options}
	for j := range req.Records {
		pos := (i*records + j) % keySpace
		req.Records[j] = record{Key: fmt.Sprintf("k-%d", pos), Value: pos}
	}
	return json.Marshal(req)
}

func main() {
	var (
		base       = pflag.String("base", "http://127.0.0.1:8080", "Base URL including scheme and host")
		path       = pflag.String("path", "/upsert", "Request path")
		N          = pflag.Int("n", 200, "Total upsert calls to send")
		conc       = pflag.Int("c", 8, "Number of concurrent workers")
		records    = pflag.Int("records", 100, "Records per call")
		keySpace   = pflag.Int("key-space", 5000, "Distinct keys to cycle through")
		options    = pflag.String("options", "", "Per-call options object as JSON")
		timeout    = pflag.Duration("timeout", 60*time.Second, "Overall timeout for the run")
		connIdle   = pflag.Duration("idle-timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdlePer = pflag.Int("max-idle-per-host", 256, "Max idle connections per host")
	)
	pflag.Parse()

	if *N <= 0 || *conc <= 0 || *records <= 0 || *keySpace <= 0 {
		fmt.Fprintln(os.Stderr, "--n, --c, --records and --key-space must be > 0")
		os.Exit(2)
	}
	var opts json.RawMessage
	if *options != "" {
		if !json.Valid([]byte(*options)) {
			fmt.Fprintln(os.Stderr, "--options must be a JSON object")
			os.Exit(2)
		}
		opts = json.RawMessage(*options)
	}

	fullPath := strings.TrimRight(*base, "/") + "/" + strings.TrimLeft(*path, "/")
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdlePer,
		MaxIdleConnsPerHost: *maxIdlePer,
		IdleConnTimeout:     *connIdle,
	}
	client := &http.Client{Transport: tr, Timeout: 30 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var (
		next, written, skipped, failed, errs int64
	)
	worker := func() {
		for {
			i := int(atomic.AddInt64(&next, 1) - 1)
			if i >= *N || ctx.Err() != nil {
				return
			}
			body, err := buildRequest(i, *records, *keySpace, opts)
			if err != nil {
				atomic.AddInt64(&errs, 1)
				continue
			}
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, fullPath, bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				atomic.AddInt64(&errs, 1)
				// Brief backoff on errors to avoid hot spinning
				time.Sleep(200 * time.Microsecond)
				continue
			}
			var res result
			if resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&res) == nil {
				atomic.AddInt64(&written, int64(res.Written))
				atomic.AddInt64(&skipped, int64(res.Skipped))
				atomic.AddInt64(&failed, int64(res.Failed))
			} else {
				atomic.AddInt64(&errs, 1)
			}
			// Drain and close body to enable connection reuse
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		go func() {
			defer wg.Done()
			worker()
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	total := *N * *records
	rps := float64(total) / elapsed.Seconds()
	fmt.Printf("LoadGen: calls=%d records=%d c=%d go=%d Duration=%s Throughput=%.0f records/s Written=%d Skipped=%d Failed=%d CallErrors=%d\n",
		*N, *records, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), rps, written, skipped, failed, errs)
}
