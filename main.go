// Copyright 2015 - 2017 Ka-Hing Cheung
// Copyright 2015 - 2017 Google Inc. All Rights Reserved.
// Copyright 2024 Tigris Data, Inc.
// Copyright 2025 The mediasync Authors
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
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/valandreev/mediasync/core"
	"github.com/valandreev/mediasync/core/cfg"
	"github.com/valandreev/mediasync/log"
	"github.com/valandreev/mediasync/pkg/cache"
	"github.com/valandreev/mediasync/pkg/cache/metrics"
)

var mainLog = log.GetLogger("main")

type appAction func(ctx context.Context, c *cli.Context, app *core.App) error

// withApp loads the config, initialises logging and builds the App around
// action. SIGINT and SIGTERM cancel the context passed to action.
func withApp(action appAction) cli.ActionFunc {
	return func(c *cli.Context) error {
		flags := cfg.PopulateFlags(c)
		if flags == nil {
			mainLog.E(cli.ShowAppHelp(c))
			return fmt.Errorf("invalid arguments")
		}

		conf, err := cache.LoadConfig(flags.ConfigPath)
		if errors.Is(err, cache.ErrConfigMissing) {
			return fmt.Errorf("wrote a config template to %s, edit it and run again", flags.ConfigPath)
		}
		if err != nil {
			return err
		}

		if err := cfg.InitLoggers(flags, conf.Log); err != nil {
			return fmt.Errorf("init loggers: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app, err := core.NewApp(ctx, conf, core.Deps{})
		if err != nil {
			return err
		}
		defer func() {
			mainLog.E(app.Close())
		}()

		if flags.MetricsAddr != "" {
			shutdown, err := serveMetrics(flags.MetricsAddr, app)
			if err != nil {
				return err
			}
			defer shutdown()
		}

		return action(ctx, c, app)
	}
}

func serveMetrics(addr string, app *core.App) (func(), error) {
	if !strings.Contains(addr, ":") {
		addr = "127.0.0.1:" + addr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for metrics on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(app.Registry))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mainLog.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	mainLog.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		mainLog.E(srv.Shutdown(ctx))
	}, nil
}

func main() {
	app := cfg.NewApp()
	app.Commands = []cli.Command{
		cacheCommand(),
		uploadCommand(),
		voiceCommand(),
		validateCommand(),
		uploadsCommand(),
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "mediasync: %v\n", err)
		os.Exit(1)
	}
}
