/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/irpus1603/sia-dc/internal/admin"
	"github.com/irpus1603/sia-dc/internal/bus"
	"github.com/irpus1603/sia-dc/internal/config"
	"github.com/irpus1603/sia-dc/internal/forward"
	"github.com/irpus1603/sia-dc/internal/receiver"
	"github.com/irpus1603/sia-dc/internal/registry"
	"github.com/irpus1603/sia-dc/internal/stats"
	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
)

func main() {
	var accountsFile string
	var metricsAddr string
	var adminAddr string

	flag.StringVar(&accountsFile, "accounts-file", "", "Optional YAML accounts file, overrides SIA_ACCOUNTS/SIA_KEYS")
	flag.StringVar(&metricsAddr, "metricsaddr", ":9090", "host:port for the Prometheus /metrics endpoint")
	flag.StringVar(&adminAddr, "adminaddr", ":9091", "host:port for the admin HTTP surface")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	switch cfg.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("Unrecognized log level: %v", cfg.LogLevel)
	}

	tz, err := time.LoadLocation(cfg.AppTimezone)
	if err != nil {
		log.Fatalf("Invalid APP_TIMEZONE %q: %v", cfg.AppTimezone, err)
	}

	var accounts []*registry.Account
	if accountsFile != "" {
		accounts, err = registry.LoadYAMLFile(accountsFile, tz, cfg.AllowedTimeband)
	} else {
		accounts, err = registry.FromCSV(cfg.Accounts, cfg.Keys, tz, cfg.AllowedTimeband)
	}
	if err != nil {
		log.Fatalf("Account registry error: %v", err)
	}
	reg := registry.New(accounts)

	fmt.Println(color.GreenString("sia-dc"), "starting up:", len(reg.IDs()), "account(s) configured,", len(reg.EncryptedIDs()), "encrypted")

	st := stats.New()
	go st.Start(metricsAddr)

	q := bus.NewQueue(cfg.ForwardQueueCapacity)

	mapper := forward.NewMapper(tz, cfg.HeartbeatCodes)
	worker := forward.NewWorker(q, mapper, st, cfg.ForwardURL, cfg.ForwardAuthHeader, cfg.ForwardCookie,
		cfg.ForwardExtraHeaders, cfg.ForwardTimeout, cfg.ForwardMaxRetries, cfg.ForwardRetryBaseDelay)

	adminSrv := admin.NewServer(reg, q, cfg.Host, cfg.Port, cfg.ForwardURL)
	go adminSrv.Start(adminAddr)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	ln := receiver.NewListener(addr, reg, q, st)

	// The listener and the worker shut down in two stages: a shutdown
	// signal stops the listener from accepting and drains in-flight
	// connection handlers, but the worker keeps running so the queue it
	// fed can drain; only once the queue is empty and idle do we cancel
	// the worker's own context.
	listenCtx, cancelListen := context.WithCancel(context.Background())
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("Shutdown signal received")
		cancelListen()
	}()

	go worker.Run(workerCtx)

	if err := ln.Run(listenCtx); err != nil {
		log.Fatalf("Listener error: %v", err)
	}

	waitForWorkerDrain(worker, receiver.DrainTimeout)
	cancelWorker()
	log.Info("sia-dc exited cleanly")
}

// waitForWorkerDrain blocks until w reports idle (empty queue, no delivery
// in flight) or timeout elapses, so a shutdown doesn't cancel the worker
// mid-delivery of the last queued item.
func waitForWorkerDrain(w *forward.Worker, timeout time.Duration) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if w.Idle() {
			return
		}
		select {
		case <-ticker.C:
		case <-deadline:
			log.Warningf("Forward queue drain timeout (%s) exceeded, canceling outstanding work", timeout)
			return
		}
	}
}
