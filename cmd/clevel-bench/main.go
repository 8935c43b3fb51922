// clevel-bench drives a configurable insert/search/erase workload against a
// Clevel arena and reports throughput. Configuration is JSONC (via hujson)
// merged with CLI flags, flags taking precedence over the config file.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	atomicfile "github.com/natefinch/atomic"
	"github.com/tailscale/hujson"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/clevel/engine"
	"github.com/calvinalkan/clevel/pkg/fs"
)

// benchConfig is the JSONC-configurable subset of a workload run.
type benchConfig struct {
	Path         string `json:"path"`
	ArenaSize    uint64 `json:"arena_size"`
	HashPower    uint   `json:"hash_power"`
	Threads      int    `json:"threads"`
	OpsPerThread int    `json:"ops_per_thread"`
	ResultsPath  string `json:"results_path"`
}

func defaultConfig() benchConfig {
	return benchConfig{
		Path:         "clevel-bench.arena",
		ArenaSize:    256 << 20,
		HashPower:    8,
		Threads:      4,
		OpsPerThread: 100_000,
		ResultsPath:  "clevel-bench.results.json",
	}
}

func loadConfig(path string) (benchConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return benchConfig{}, fmt.Errorf("reading %s: %w", path, err)
	}
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return benchConfig{}, fmt.Errorf("invalid JSONC in %s: %w", path, err)
	}
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return benchConfig{}, fmt.Errorf("invalid JSON in %s: %w", path, err)
	}
	return cfg, nil
}

// phaseResult is one element of the "phases" array in the JSON results file
// written at the end of a run: one entry per workload phase
// (insert/search/erase).
type phaseResult struct {
	Phase     string  `json:"phase"`
	Ops       int     `json:"ops"`
	ElapsedMS int64   `json:"elapsed_ms"`
	OpsPerSec float64 `json:"ops_per_sec"`
}

type benchResults struct {
	Config   benchConfig   `json:"config"`
	Capacity uint64        `json:"final_capacity"`
	Phases   []phaseResult `json:"phases"`
}

func main() {
	log.SetFlags(0)

	configPath := flag.StringP("config", "c", "", "path to a JSONC config file")
	path := flag.StringP("path", "p", "", "arena file path (overrides config)")
	threads := flag.IntP("threads", "t", 0, "worker count (overrides config)")
	ops := flag.IntP("ops", "n", 0, "ops per worker (overrides config)")
	resultsPath := flag.StringP("results", "r", "", "path to write JSON results (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *path != "" {
		cfg.Path = *path
	}
	if *threads != 0 {
		cfg.Threads = *threads
	}
	if *ops != 0 {
		cfg.OpsPerThread = *ops
	}
	if *resultsPath != "" {
		cfg.ResultsPath = *resultsPath
	}

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

// eachWorker runs fn concurrently across cfg.Threads workers, each doing
// cfg.OpsPerThread iterations, and returns the wall-clock elapsed time.
func eachWorker(cfg benchConfig, fn func(tid, i int)) time.Duration {
	start := time.Now()
	var wg sync.WaitGroup
	for tid := 0; tid < cfg.Threads; tid++ {
		tid := tid
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < cfg.OpsPerThread; i++ {
				fn(tid, i)
			}
		}()
	}
	wg.Wait()
	return time.Since(start)
}

func keyFor(tid, i int) string {
	return strconv.Itoa(tid) + "-" + strconv.Itoa(i)
}

func run(cfg benchConfig) error {
	_ = os.Remove(cfg.Path)

	opts := engine.Options{
		Path:        cfg.Path,
		ArenaSize:   cfg.ArenaSize,
		HashPower:   cfg.HashPower,
		ThreadCount: cfg.Threads,
		Create:      true,
	}
	codec := engine.Codec[string, string]{
		EncodeKey:   func(s string) []byte { return []byte(s) },
		DecodeKey:   func(b []byte) string { return string(b) },
		EncodeValue: func(s string) []byte { return []byte(s) },
		DecodeValue: func(b []byte) string { return string(b) },
	}

	e, err := engine.Open[string, string](fs.NewReal(), opts, codec, nil)
	if err != nil {
		return fmt.Errorf("opening arena: %w", err)
	}
	defer e.Close()

	total := cfg.Threads * cfg.OpsPerThread
	results := benchResults{Config: cfg}

	log.Printf("insert: %d keys across %d workers...", total, cfg.Threads)
	insertElapsed := eachWorker(cfg, func(tid, i int) {
		key := keyFor(tid, i)
		if _, err := e.Insert(key, key, uint64(tid)); err != nil {
			log.Printf("worker %d: insert failed: %v", tid, err)
		}
	})
	logPhase(&results, "insert", total, insertElapsed)

	log.Printf("search: %d keys...", total)
	searchElapsed := eachWorker(cfg, func(tid, i int) {
		key := keyFor(tid, i)
		if _, ok := e.Search(key); !ok {
			log.Printf("worker %d: search miss for %s", tid, key)
		}
	})
	logPhase(&results, "search", total, searchElapsed)

	log.Printf("erase: %d keys...", total)
	eraseElapsed := eachWorker(cfg, func(tid, i int) {
		key := keyFor(tid, i)
		if _, err := e.Erase(key, uint64(tid)); err != nil {
			log.Printf("worker %d: erase failed: %v", tid, err)
		}
	})
	logPhase(&results, "erase", total, eraseElapsed)

	results.Capacity = e.Capacity()
	log.Printf("final capacity=%d", results.Capacity)

	return writeResults(cfg.ResultsPath, results)
}

func logPhase(results *benchResults, phase string, ops int, elapsed time.Duration) {
	opsPerSec := float64(ops) / elapsed.Seconds()
	log.Printf("%s: %d ops in %s (%.0f ops/sec)", phase, ops, elapsed, opsPerSec)
	results.Phases = append(results.Phases, phaseResult{
		Phase:     phase,
		Ops:       ops,
		ElapsedMS: elapsed.Milliseconds(),
		OpsPerSec: opsPerSec,
	})
}

// writeResults JSON-encodes results and replaces resultsPath atomically
// (write-to-temp-then-rename), so a reader never observes a half-written
// results file.
func writeResults(resultsPath string, results benchResults) error {
	if resultsPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}
	data = append(data, '\n')
	if err := atomicfile.WriteFile(resultsPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing %s: %w", resultsPath, err)
	}
	return nil
}
