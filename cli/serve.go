package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"poflow.merchantry.io/api"
	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/commerce"
	"poflow.merchantry.io/db"
	"poflow.merchantry.io/extraction"
	"poflow.merchantry.io/imagesearch"
	"poflow.merchantry.io/match"
	"poflow.merchantry.io/persist"
	"poflow.merchantry.io/progress"
	"poflow.merchantry.io/queue"
	"poflow.merchantry.io/reconcile"
	"poflow.merchantry.io/stage"
	"poflow.merchantry.io/storage"
	"poflow.merchantry.io/transport"
	"poflow.merchantry.io/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the engine: HTTP API, queue workers, progress bus, reconciler",
	RunE:  runServe,
}

func init() {
	RootCmd.AddCommand(serveCmd)
}

// saverPort adapts the persistence service to the save stage's port, which
// passes requests by value.
type saverPort struct {
	svc *persist.Service
}

func (p saverPort) Save(ctx context.Context, req persist.SaveRequest) (*persist.SaveResult, error) {
	return p.svc.Save(ctx, &req)
}

// runServe wires and runs the whole engine. Init order is fixed:
// persistence gateway, queue substrate, progress bus, stage processor
// registration, reconcile driver, HTTP server. Teardown runs in reverse on
// SIGINT/SIGTERM, closing the three shared broker connections last among
// the broker users so nothing publishes into a closed pool.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := poflow.Component("serve")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence gateway. The first Client call runs the warmup barrier;
	// warmup failure after its retry budget is fatal to the process.
	gateway := db.NewGateway(cfg.Database)
	defer gateway.Close()
	if _, err := gateway.Client(ctx); err != nil {
		return err
	}
	log.Info("persistence gateway warmed")

	// Queue substrate on the three shared broker connections.
	conns, err := queue.NewConnections(ctx, cfg.Broker, nil)
	if err != nil {
		return err
	}
	defer conns.Close()
	substrate := queue.NewSubstrate(conns, cfg.Broker.KeyPrefix, queue.DefaultSettings())

	// Progress bus.
	bus := progress.NewBus(conns, cfg.Broker.KeyPrefix)

	// Stores over the gateway.
	uploads := db.NewUploadStore(gateway)
	orders := db.NewPurchaseOrderStore(gateway)
	suppliers := db.NewSupplierStore(gateway)
	merchants := db.NewMerchantStore(gateway)
	drafts := db.NewDraftStore(gateway)
	workflows := db.NewWorkflowStore(gateway)
	metrics := db.NewMetricStore(gateway)

	// Upload object store.
	objects, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	if cfg.Service.Environment == "development" {
		if err := objects.EnsureBucket(ctx); err != nil {
			return err
		}
	}

	// One pooled outbound client shared by every RPC surface.
	pool := transport.NewHTTPTransport(transport.DefaultConfig())
	defer pool.Close()

	resolver := match.NewResolver(cfg.Matching,
		match.NewTrigramEngine(suppliers, cfg.Matching.SimilarityThreshold, cfg.Matching.Limit),
		match.NewJSMetricEngine(suppliers),
		merchants, suppliers, metrics)

	extractor := extraction.NewClient(cfg.Extraction, pool)
	images := imagesearch.NewClient(cfg.ImageSearch, pool)
	platform := commerce.NewClient(cfg.Commerce, pool)
	saver := persist.NewService(gateway, orders, resolver)

	// Stage processors, parked payload store, PO advisory lock.
	payloads := stage.NewStore(conns, cfg.Broker.KeyPrefix, 24*time.Hour)
	registry := stage.NewRegistry()
	registry.MustRegister(
		stage.NewParsingProcessor(uploads, objects, extractor),
		stage.NewSaveProcessor(saverPort{svc: saver}),
		stage.NewNormalizeProcessor(orders, merchants),
		stage.NewConfigProcessor(merchants),
		stage.NewEnrichProcessor(extractor),
		stage.NewPayloadProcessor(),
		stage.NewDraftsProcessor(drafts),
		stage.NewImagesProcessor(drafts, images),
		stage.NewSyncProcessor(merchants, drafts, platform, cfg.Commerce),
		stage.NewStatusProcessor(orders, payloads, bus),
	)
	if err := registry.Complete(); err != nil {
		return err
	}

	orch := workflow.New(workflow.Options{
		Store:      workflows,
		Payloads:   payloads,
		Registry:   registry,
		Queues:     substrate,
		Lock:       workflow.NewPOLock(conns, cfg.Broker.KeyPrefix),
		Merchants:  merchants,
		Orders:     orders,
		Bus:        bus,
		Sequential: cfg.Workflow.Sequential,
		Budget:     time.Duration(cfg.Workflow.BudgetSeconds) * time.Second,
	})
	if err := orch.Register(substrate); err != nil {
		return err
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- substrate.Run(workerCtx)
	}()

	// Reconcile driver.
	driver := reconcile.New(reconcile.Options{
		Store:     workflows,
		Orders:    orders,
		Queues:    substrate,
		Conns:     conns,
		Bus:       bus,
		KeyPrefix: cfg.Broker.KeyPrefix,
		Schedule:  cfg.Workflow.ReconcileSchedule,
		Threshold: cfg.Workflow.StuckThreshold,
		Batch:     cfg.Workflow.ReconcileBatch,
	})
	if err := driver.Start(); err != nil {
		return err
	}

	// HTTP surface.
	server := api.NewServer(api.Options{
		Config:    cfg.Server,
		Workflows: orch,
		Status:    workflows,
		Uploads:   uploads,
		Objects:   objects,
		Events:    bus,
		Database:  api.HealthFunc(gateway.Health),
		Broker:    api.HealthFunc(conns.Ping),
	})
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Start()
	}()

	log.WithFields(logrus.Fields{
		"mode":   map[bool]string{true: "sequential", false: "queued"}[cfg.Workflow.Sequential],
		"queues": len(substrate.RegisteredQueues()),
	}).Info("engine running")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server exited")
		}
	case err := <-workerDone:
		if err != nil {
			log.WithError(err).Error("queue substrate exited")
		}
	}

	// Teardown, reverse of init.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown failed")
	}
	if err := driver.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("reconciler shutdown timed out")
	}
	stopWorkers()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Warn("queue workers did not drain in time")
	}

	log.Info("engine stopped")
	return nil
}
