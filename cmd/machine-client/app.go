package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/goblinsan/multi-agent-machine-client/collab"
	"github.com/goblinsan/multi-agent-machine-client/config"
	"github.com/goblinsan/multi-agent-machine-client/internal/database"
	"github.com/goblinsan/multi-agent-machine-client/internal/metrics"
	"github.com/goblinsan/multi-agent-machine-client/internal/server"
	"github.com/goblinsan/multi-agent-machine-client/internal/telemetry"
	"github.com/goblinsan/multi-agent-machine-client/persona"
	"github.com/goblinsan/multi-agent-machine-client/transport"
	"github.com/goblinsan/multi-agent-machine-client/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const metricsNamespace = "machine_client"

// app holds every wired component of one process.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	registry  *prometheus.Registry
	collector *metrics.Collector
	otel      *telemetry.Providers
	health    *server.Health

	transport   transport.Transport
	pool        *database.PoolManager
	coordinator *persona.RetryCoordinator
	consumer    *persona.Consumer
	engine      *workflow.Engine
}

// newApp wires the components described by cfg. Optional collaborators
// that cannot be reached (database, model API) are logged and left out;
// the transport and the workflow definitions are required.
func newApp(cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.collector = metrics.NewCollectorWithRegisterer(metricsNamespace, a.registry, logger)
	a.health = server.NewHealth(2 * time.Second)

	if a.otel, err = telemetry.Init(cfg.Telemetry, logger); err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		err = nil
	}

	a.transport, err = transport.New(cfg.Transport, logger, transport.WithCollector(a.collector))
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	requestStream := cfg.Persona.RequestStream
	a.health.Register("transport", func(ctx context.Context) error {
		_, err := a.transport.Len(ctx, requestStream)
		return err
	})

	deps := workflow.Deps{
		Repo:     collab.NewGitRepoOps(cfg.Workflow.RepoBaseDir, logger),
		Personas: cfg.Persona.Names,
		Logger:   logger,
	}
	applier := collab.NewUnifiedDiffApplier(logger)
	applier.HeadSHA = deps.Repo.(*collab.GitRepoOps).HeadSHA
	deps.Diff = applier

	if a.pool, err = database.Open(cfg.Database, logger); err != nil {
		logger.Warn("database not available, task steps disabled", zap.Error(err))
		err = nil
	} else {
		tasks, terr := collab.NewGormTaskStore(a.pool, logger)
		if terr != nil {
			return nil, fmt.Errorf("create task store: %w", terr)
		}
		deps.Tasks = tasks
		a.health.Register("database", a.pool.Ping)
	}

	a.coordinator = persona.NewRetryCoordinator(a.transport,
		persona.CoordinatorConfigFrom(cfg.Persona, cfg.Coordinator),
		persona.WithCoordinatorLogger(logger),
		persona.WithCoordinatorCollector(a.collector),
	)
	deps.Coordinator = a.coordinator
	deps.Drainer = persona.NewDrainer(a.transport, cfg.Persona.RequestStream, cfg.Persona.GroupPrefix, logger)

	a.engine = workflow.NewEngine(workflow.NewDefaultRegistry(), deps,
		workflow.WithEngineLogger(logger),
		workflow.WithEngineCollector(a.collector),
		workflow.WithRunStore(workflow.NewRunStore(cfg.Workflow.HistorySize)),
	)
	if cfg.Workflow.DefinitionsDir != "" {
		if err = a.engine.LoadDir(cfg.Workflow.DefinitionsDir); err != nil {
			return nil, fmt.Errorf("load workflows: %w", err)
		}
	}

	opts := []persona.ConsumerOption{
		persona.WithConsumerLogger(logger),
		persona.WithConsumerCollector(a.collector),
		persona.WithHandler(persona.CoordinationPersona, workflow.NewCoordinationHandler(a.engine, logger,
			workflow.WithDefaultWorkflow(cfg.Workflow.DefaultWorkflow))),
	}
	opts = append(opts, a.modelHandlers()...)
	a.consumer = persona.NewConsumer(a.transport, persona.ConsumerConfigFrom(cfg.Persona), opts...)
	return a, nil
}

// modelHandlers serves every configured persona other than coordination
// with a model-backed handler when a model API key is set.
func (a *app) modelHandlers() []persona.ConsumerOption {
	names := slices.DeleteFunc(slices.Clone(a.cfg.Persona.Names), func(n string) bool {
		return n == persona.CoordinationPersona
	})
	if len(names) == 0 {
		return nil
	}
	if a.cfg.LLM.APIKey == "" {
		a.logger.Warn("no model API key configured; non-coordination personas will answer with errors",
			zap.Strings("personas", names))
		return nil
	}
	caller := collab.NewOpenAIModelCaller(a.cfg.LLM, a.logger)
	opts := make([]persona.ConsumerOption, 0, len(names))
	for _, name := range names {
		opts = append(opts, persona.WithHandler(name, persona.NewModelHandler(name, a.cfg.Persona.Prompts[name], caller)))
	}
	return opts
}

// close releases every component, collecting failures.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.consumer != nil {
		errs = append(errs, a.consumer.Stop(ctx))
	}
	if a.transport != nil {
		errs = append(errs, a.transport.Close())
	}
	if a.pool != nil {
		errs = append(errs, a.pool.Close())
	}
	if a.otel != nil {
		errs = append(errs, a.otel.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
