/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

//go:build linux

// Command fsrvd runs one frameserver under supervision and serves its
// health and metrics over HTTP. SIGHUP restarts the frameserver in place.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/srediag/shmif/adapter"
	"github.com/srediag/shmif/internal/logging"
	"github.com/srediag/shmif/pkg/config"
	"github.com/srediag/shmif/pkg/event"
	"github.com/srediag/shmif/pkg/segment"
	"github.com/srediag/shmif/pkg/supervisor"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML configuration file")
		listen     = flag.String("listen", ":9464", "address for /live, /ready and /metrics")
		kindName   = flag.String("kind", "application", "primary segment kind")
		respawn    = flag.Bool("respawn", true, "replace the frameserver when it dies")
		dev        = flag.Bool("dev", false, "development logging")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] frameserver [args...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	log := newLogger(*dev)
	defer func() { _ = log.Sync() }()
	if err := run(log, *configPath, *listen, *kindName, *respawn, flag.Args()); err != nil {
		log.Error("fsrvd stopped", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(dev bool) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if dev {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func run(log *zap.Logger, configPath, listen, kindName string, respawn bool, argv []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.SetLogLevel(cfg.LogLevel)
	kind, err := segment.ParseKind(kindName)
	if err != nil {
		return err
	}

	m, err := segment.NewManager(adapter.ManagerOptions(cfg, prometheus.DefaultRegisterer, adapter.NewZapAudit(log)))
	if err != nil {
		return err
	}
	defer m.Shutdown()
	sup, err := supervisor.New(m, supervisor.Options{Registerer: prometheus.DefaultRegisterer})
	if err != nil {
		return err
	}
	defer sup.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := sup.Spawn(ctx, supervisor.SpawnArgs{
		Path:    argv[0],
		Args:    argv[1:],
		Kind:    kind,
		Respawn: respawn,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("spawn %s: %w", argv[0], err)
	}
	log.Info("frameserver started", zap.String("id", p.ID()), zap.Int("pid", p.PID()),
		zap.Stringer("segment", p.Primary()), zap.Stringer("kind", kind))

	health := adapter.NewHealth(sup)
	mux := http.NewServeMux()
	mux.Handle("/live", health.Handler())
	mux.Handle("/ready", health.Handler())
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", zap.Error(err))
			stop()
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	go func() { _ = sup.Run(ctx) }()
	go drainEvents(ctx, log, sup)

	reload := adapter.NewHotReload(sup, func() []string {
		var ids []string
		for _, p := range sup.Processes() {
			ids = append(ids, p.ID())
		}
		return ids
	}, cfg.WaitTimeout*2)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case <-hup:
			if err := reload.ReloadAll(ctx); err != nil {
				log.Warn("reload", zap.Error(err))
			} else {
				log.Info("frameservers reloaded")
			}
		}
	}
}

func drainEvents(ctx context.Context, log *zap.Logger, sup *supervisor.Supervisor) {
	for ctx.Err() == nil {
		ev, ok := sup.NextEvent(time.Second)
		if !ok {
			continue
		}
		fields := []zap.Field{
			zap.String("process", ev.ProcessID),
			zap.Int("pid", ev.PID),
			zap.Stringer("segment", ev.Segment),
			zap.Time("at", ev.At),
		}
		switch ev.Event.Kind {
		case event.KindPeerDead:
			log.Warn("frameserver died", fields...)
		case event.KindAdopted:
			log.Info("segment adopted", fields...)
		default:
			log.Info(ev.Event.String(), fields...)
		}
	}
}
