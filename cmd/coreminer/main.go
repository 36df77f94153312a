// Copyright (c) 2016 The Decred developers.

// Command coreminer wires the coordination engine (coordinator, worker,
// algorithm families) to its external collaborators: config loading, the
// Stratum pool adapter, logging setup, and process signal handling,
// generalized from one hardcoded device list to a provider +
// algorithm.Family-driven coordinator.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/hashforge/coreminer/algorithm"
	"github.com/hashforge/coreminer/algorithm/scrypt"
	"github.com/hashforge/coreminer/config"
	"github.com/hashforge/coreminer/coordinator"
	"github.com/hashforge/coreminer/mlog"
	"github.com/hashforge/coreminer/provider/cpu"
	"github.com/hashforge/coreminer/stratum"
	"github.com/hashforge/coreminer/work"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "coreminer:", err)
		os.Exit(1)
	}
}

func run() error {
	appDir, err := os.UserHomeDir()
	if err != nil {
		appDir = "."
	}
	appDir = appDir + string(os.PathSeparator) + ".coreminer"

	cfg, err := config.Load(appDir, os.Args[1:])
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := mlog.InitLogRotator(cfg.LogFilePath()); err != nil {
		fmt.Fprintln(os.Stderr, "coreminer: log rotation disabled:", err)
	}
	mlog.SetLogLevels(cfg.DebugLevel)
	defer mlog.Close()

	prov := cpu.New(deviceCount(cfg.Devices))
	if cfg.ListDevices {
		for _, plat := range prov.Platforms() {
			for _, d := range plat.Devices {
				fmt.Printf("#%d  %s  %s\n", d.Index, d.Name, d.Kind)
			}
		}
		return nil
	}

	family := &algorithm.Family{
		Name:            "scrypt",
		Implementations: []algorithm.Implementation{scrypt.New(func(reason string) { mlog.WorkerLog.Debugf("nonce discarded: %s", reason) })},
	}

	coord := coordinator.New(prov, mlog.CoordLog, family)
	if err := coord.SetCurrent(cfg.Algo, implName(cfg)); err != nil {
		return fmt.Errorf("binding algorithm: %w", err)
	}

	if err := coord.AddSettings(map[string]map[string]any{
		cfg.Algo: {
			implName(cfg): map[string]any{"intensity": cfg.Intensity},
		},
	}); err != nil {
		return fmt.Errorf("applying settings: %w", err)
	}
	coord.CheckNonces(cfg.CheckNonces)

	if err := coord.Start(); err != nil {
		return fmt.Errorf("starting coordinator: %w", err)
	}
	defer coord.Close()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt)

	quit := make(chan struct{})
	if cfg.Benchmark || cfg.Pool == "" {
		mlog.CoordLog.Warnf("running in benchmark mode, no pool connection")
		go benchmarkFeed(coord, quit)
	} else {
		pool, err := stratum.Dial(cfg.Pool, cfg.PoolUser, cfg.PoolPassword, cfg.Proxy, cfg.ProxyUser, cfg.ProxyPass, mlog.StratumLog)
		if err != nil {
			return fmt.Errorf("connecting to pool: %w", err)
		}
		defer pool.Close()
		go pool.Listen(quit, func(wu *work.Unit) { coord.SubmitWork(pool, wu) })
		go submitShares(coord, pool, quit)
	}

	<-sigc
	close(quit)
	mlog.CoordLog.Infof("shutting down")
	return nil
}

// implName resolves the implementation name to bind within cfg.Algo's
// family: an explicit --impl flag, or the family name itself for the
// common case of one implementation sharing its family's name.
func implName(cfg *config.Config) string {
	if cfg.Impl != "" {
		return cfg.Impl
	}
	return cfg.Algo
}

func deviceCount(csv string) int {
	if csv == "" {
		return 0
	}
	return len(strings.Split(csv, ","))
}

// benchmarkFeed periodically hands the coordinator a synthetic work unit
// so the pipeline can be exercised without a pool connection.
func benchmarkFeed(coord *coordinator.Coordinator, quit <-chan struct{}) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		wu, err := syntheticWork()
		if err == nil {
			coord.SubmitWork(nil, wu)
		}
		select {
		case <-quit:
			return
		case <-t.C:
		}
	}
}

func syntheticWork() (*work.Unit, error) {
	var blank [work.HeaderSize]byte
	cb := work.Coinbase{
		Bytes:                []byte{0x01, 0x00, 0x00, 0x00},
		Nonce2Offset:         0,
		MerkleOffsetInHeader: 36,
	}
	return work.New("benchmark", nil, nil, 0, cb, uint32(time.Now().Unix()), blank, true, nil)
}

// submitShares drains shares the worker finds and hands each candidate to
// the pool. Pool.SubmitShare keeps the valid/invalid/stale counts itself;
// any submission error, stratum.ErrStratumStaleWork included, is logged.
func submitShares(coord *coordinator.Coordinator, pool *stratum.Pool, quit <-chan struct{}) {
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-quit:
			return
		case <-t.C:
		}
		for _, n := range coord.DrainShares() {
			for _, nonce := range n.Candidates {
				if _, err := pool.SubmitShare(n, nonce); err != nil {
					mlog.StratumLog.Debugf("submit %s/%d: %v", n.JobID, nonce, err)
				}
			}
		}
	}
}
