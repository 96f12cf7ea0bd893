// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/google/gops/agent"
	"github.com/joho/godotenv"

	"github.com/awksedgreep/timeless/internal/config"
	"github.com/awksedgreep/timeless/internal/ingest"
	"github.com/awksedgreep/timeless/internal/store"
	"github.com/awksedgreep/timeless/internal/taskmanager"
)

const logoString = `
 _   _                _
| |_(_)_ __ ___   ___| | ___  ___ ___
| __| | '_ ` + "`" + ` _ \ / _ \ |/ _ \/ __/ __|
| |_| | | | | | |  __/ |  __/\__ \__ \
 \__|_|_| |_| |_|\___|_|\___||___/___/
`

var (
	version = "dev"
	commit  = "none"
)

func main() {
	cliInit()

	if flagVersion {
		fmt.Print(logoString)
		fmt.Printf("Version:\t%s\n", version)
		fmt.Printf("Git hash:\t%s\n", commit)
		fmt.Printf("Go toolchain:\t%s\n", runtime.Version())
		os.Exit(0)
	}

	cclog.Init(flagLogLevel, flagLogDateTime)

	// Apply config flag for gops
	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			cclog.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		cclog.Warnf("parsing './.env' file failed: %s", err.Error())
	}

	config.Init(flagConfigFile)

	opts, err := store.OptionsFromConfig()
	if err != nil {
		cclog.Fatal(err)
	}
	if opts.DataDir == "" {
		opts.DataDir = "./var/timeless"
	}

	st, err := store.Open(opts)
	if err != nil {
		cclog.Fatal(err)
	}

	taskmanager.Start(st, opts.PendingFlushInterval)

	ctx, shutdown := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	clients, err := ingest.ReceiveNats(st, runtime.NumCPU()/2+1, ctx, &wg)
	if err != nil {
		cclog.Errorf("NATS ingest failed: %s", err.Error())
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	cclog.Info("shutting down")

	for _, c := range clients {
		c.Close()
	}
	shutdown()
	wg.Wait()

	taskmanager.Shutdown()
	st.Close()
}
