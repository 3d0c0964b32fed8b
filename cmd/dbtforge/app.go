// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/AleutianAI/dbtforge/cmd/dbtforge/config"
	"github.com/AleutianAI/dbtforge/pkg/ux"
	"github.com/AleutianAI/dbtforge/services/dbt"
	"github.com/AleutianAI/dbtforge/services/engine"
	"github.com/AleutianAI/dbtforge/services/generate"
	"github.com/AleutianAI/dbtforge/services/store"
	"github.com/AleutianAI/dbtforge/services/synth"
	"github.com/AleutianAI/dbtforge/services/tools"
	"github.com/AleutianAI/dbtforge/services/warehouse"
	"github.com/AleutianAI/dbtforge/services/workflow"
)

// app wires the services a command needs. Each accessor builds its
// service on first use so a command only opens the backends it touches.
//
// Thread Safety: Not safe for concurrent use. Commands build what they need
// before starting goroutines.
type app struct {
	cfg    *config.ForgeConfig
	log    *slog.Logger
	out    *ux.Printer
	stdin  io.Reader
	echo   io.Writer
	closer []func() error

	st       store.Store
	sy       synth.Synthesizer
	insp     warehouse.Inspector
	gen      *generate.Service
	invoker  dbt.Invoker
	eng      *engine.Engine
	registry *tools.Registry
}

func newApp(cfg *config.ForgeConfig, log *slog.Logger, out *ux.Printer) *app {
	if log == nil {
		log = slog.Default()
	}
	return &app{cfg: cfg, log: log, out: out, stdin: os.Stdin}
}

// Close releases every backend the app opened, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closer) - 1; i >= 0; i-- {
		if err := a.closer[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closer = nil
	return errors.Join(errs...)
}

// Store opens the configured artifact store.
func (a *app) Store(ctx context.Context) (store.Store, error) {
	if a.st != nil {
		return a.st, nil
	}
	sc := a.cfg.Store
	switch sc.Backend {
	case config.BackendGCS:
		s, err := store.NewGCSStore(ctx, sc.GCS, a.log)
		if err != nil {
			return nil, fmt.Errorf("open gcs store: %w", err)
		}
		a.closer = append(a.closer, s.Close)
		a.st = s
	case config.BackendBadger:
		s, err := store.OpenBadgerStore(sc.Badger, a.log)
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		a.closer = append(a.closer, s.Close)
		a.st = s
	default:
		a.st = store.NewMemoryStore()
	}
	return a.st, nil
}

// Synthesizer connects to the configured provider. A provider that cannot
// be reached does not stop commands that never call it: the returned
// synthesizer reports the connection error on first use instead.
func (a *app) Synthesizer(ctx context.Context) synth.Synthesizer {
	if a.sy != nil {
		return a.sy
	}
	sy, err := synth.New(ctx, a.cfg.Synth, a.log)
	if err != nil {
		a.log.Warn("Synthesizer unavailable",
			slog.String("provider", a.cfg.Synth.Provider),
			slog.String("error", err.Error()),
		)
		cause := err
		a.sy = synth.SynthesizerFunc(func(context.Context, []synth.Part) (string, error) {
			return "", cause
		})
		return a.sy
	}
	a.sy = sy
	return a.sy
}

// Inspector connects to BigQuery when the warehouse section is enabled.
// It returns nil otherwise.
func (a *app) Inspector(ctx context.Context) warehouse.Inspector {
	if a.insp != nil || !a.cfg.Warehouse.Enabled {
		return a.insp
	}
	insp, err := warehouse.NewBigQueryInspector(ctx, a.cfg.Warehouse.BigQuery, a.log)
	if err != nil {
		a.log.Warn("Warehouse inspector unavailable", slog.String("error", err.Error()))
		return nil
	}
	a.closer = append(a.closer, insp.Close)
	a.insp = insp
	return a.insp
}

// Generator builds the artifact generator service.
func (a *app) Generator(ctx context.Context) (*generate.Service, error) {
	if a.gen != nil {
		return a.gen, nil
	}
	st, err := a.Store(ctx)
	if err != nil {
		return nil, err
	}
	opts := []generate.Option{
		generate.WithLogger(a.log),
		generate.WithAuthor(a.cfg.Author),
		generate.WithParallelism(a.cfg.Dbt.Parallelism),
	}
	if insp := a.Inspector(ctx); insp != nil {
		opts = append(opts, generate.WithInspector(insp))
	}
	a.gen = generate.NewService(st, a.Synthesizer(ctx), opts...)
	return a.gen, nil
}

// Invoker builds the dbt execution adapter.
func (a *app) Invoker(ctx context.Context) (dbt.Invoker, error) {
	if a.invoker != nil {
		return a.invoker, nil
	}
	st, err := a.Store(ctx)
	if err != nil {
		return nil, err
	}
	var opts []dbt.AdapterOption
	if a.echo != nil {
		opts = append(opts, dbt.WithEcho(a.echo))
	}
	a.invoker = dbt.NewAdapter(st, a.cfg.Dbt, a.log, opts...)
	return a.invoker, nil
}

// Engine builds the validation engine.
func (a *app) Engine(ctx context.Context) (*engine.Engine, error) {
	if a.eng != nil {
		return a.eng, nil
	}
	gen, err := a.Generator(ctx)
	if err != nil {
		return nil, err
	}
	inv, err := a.Invoker(ctx)
	if err != nil {
		return nil, err
	}
	a.eng = engine.NewEngine(engine.NewConfig(a.cfg.Engine.Options()...), inv, gen, a.log)
	return a.eng, nil
}

// Pipeline builds the workflow pipeline.
func (a *app) Pipeline(ctx context.Context, opts ...workflow.Option) (*workflow.Pipeline, error) {
	gen, err := a.Generator(ctx)
	if err != nil {
		return nil, err
	}
	eng, err := a.Engine(ctx)
	if err != nil {
		return nil, err
	}
	opts = append([]workflow.Option{workflow.WithLogger(a.log)}, opts...)
	return workflow.NewPipeline(gen, eng, opts...), nil
}

// DeployTarget resolves the deploy section. A bucket opens a second GCS
// store; otherwise projects are copied under the prefix in the artifact
// store.
func (a *app) DeployTarget(ctx context.Context) (tools.DeployTarget, error) {
	dc := a.cfg.Deploy
	target := tools.DeployTarget{Prefix: dc.Prefix, Parallelism: dc.Parallelism}
	if dc.Bucket == "" {
		return target, nil
	}
	dst, err := store.NewGCSStore(ctx, store.GCSConfig{
		ProjectID:       a.cfg.Store.GCS.ProjectID,
		Bucket:          dc.Bucket,
		CredentialsFile: a.cfg.Store.GCS.CredentialsFile,
	}, a.log)
	if err != nil {
		return target, fmt.Errorf("open deployment bucket: %w", err)
	}
	a.closer = append(a.closer, dst.Close)
	target.Store = dst
	return target, nil
}

// Registry builds the tool registry with every built-in tool.
func (a *app) Registry(ctx context.Context) (*tools.Registry, error) {
	if a.registry != nil {
		return a.registry, nil
	}
	st, err := a.Store(ctx)
	if err != nil {
		return nil, err
	}
	gen, err := a.Generator(ctx)
	if err != nil {
		return nil, err
	}
	inv, err := a.Invoker(ctx)
	if err != nil {
		return nil, err
	}
	eng, err := a.Engine(ctx)
	if err != nil {
		return nil, err
	}
	target, err := a.DeployTarget(ctx)
	if err != nil {
		return nil, err
	}

	r := tools.NewRegistry(a.log)
	if err := tools.RegisterDefaults(r, tools.Deps{
		Generator: gen,
		Invoker:   inv,
		Validator: eng,
		Store:     st,
		Deploy:    target,
	}); err != nil {
		return nil, err
	}
	a.registry = r
	return r, nil
}
