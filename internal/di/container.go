// Package di wires the application dependency graph: databases,
// repositories, clients, services, background workers and the agent
// tool dispatcher.
package di

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/aristath/cellar/internal/agent"
	"github.com/aristath/cellar/internal/cache"
	"github.com/aristath/cellar/internal/clientdata"
	"github.com/aristath/cellar/internal/clients/anthropic"
	"github.com/aristath/cellar/internal/clients/openmeteo"
	"github.com/aristath/cellar/internal/config"
	"github.com/aristath/cellar/internal/database"
	"github.com/aristath/cellar/internal/events"
	"github.com/aristath/cellar/internal/modules/catalog"
	"github.com/aristath/cellar/internal/modules/experiments"
	"github.com/aristath/cellar/internal/modules/explain"
	"github.com/aristath/cellar/internal/modules/inventory"
	"github.com/aristath/cellar/internal/modules/learning"
	"github.com/aristath/cellar/internal/modules/pairing"
	"github.com/aristath/cellar/internal/modules/vintage"
	"github.com/aristath/cellar/internal/observability"
	"github.com/aristath/cellar/internal/reliability"
	"github.com/aristath/cellar/internal/scheduler"
)

// Container is the single source of truth for all service instances.
type Container struct {
	// Databases. Cellar holds the catalog, ledger the stock audit trail,
	// learning the feedback and experiment stores, cache the client data.
	CellarDB   *database.DB
	LedgerDB   *database.DB
	LearningDB *database.DB
	CacheDB    *database.DB
	Databases  map[string]*database.DB

	// Repositories.
	Wines         *catalog.WineRepository
	Vintages      *catalog.VintageRepository
	Suppliers     *catalog.SupplierRepository
	InventoryRepo *inventory.Repository
	ClientData    *clientdata.Repository
	Explain       *explain.Repository

	// Clients and fabric.
	OpenMeteo *openmeteo.Client
	Anthropic *anthropic.Client
	Cache     *cache.Cache
	Bus       *events.Bus

	// Services.
	Vintage     *vintage.Service
	Inventory   *inventory.Service
	Learning    *learning.Service
	Pairing     *pairing.Service
	Experiments *experiments.Service
	Resolver    inventory.VintageResolver

	// Background workers and dispatch.
	Scheduler  *scheduler.Scheduler
	Cron       *scheduler.CronRunner
	Dispatcher *agent.Dispatcher

	// Observability.
	Metrics *observability.Metrics
	RUM     *observability.RUMBuffer
	System  *observability.SystemMonitor

	// Reliability. Backups is nil when off-site backups are not
	// configured; maintenance always runs.
	Backups     *reliability.BackupService
	Maintenance *reliability.MaintenanceService
}

// Wire initializes all dependencies in order: databases, repositories,
// clients, services, workers, jobs. On error every database opened so
// far is closed.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{}

	if err := initDatabases(c, cfg, log); err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	initRepositories(c, log)

	if err := initServices(c, cfg, log); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := registerJobs(c, cfg, log); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	log.Info().Msg("Dependency wiring completed")
	return c, nil
}

// Close releases background workers and database handles.
func (c *Container) Close() {
	if c.Experiments != nil {
		c.Experiments.Stop()
	}
	for _, db := range c.Databases {
		if db != nil {
			_ = db.Close()
		}
	}
}

func initDatabases(c *Container, cfg *config.Config, log zerolog.Logger) error {
	specs := []struct {
		name    string
		profile database.DatabaseProfile
		target  **database.DB
	}{
		{"cellar", database.ProfileStandard, &c.CellarDB},
		{"ledger", database.ProfileLedger, &c.LedgerDB},
		{"learning", database.ProfileStandard, &c.LearningDB},
		{"cache", database.ProfileCache, &c.CacheDB},
	}

	c.Databases = make(map[string]*database.DB, len(specs))
	for _, spec := range specs {
		db, err := database.New(database.Config{
			Path:    filepath.Join(cfg.DataDir, spec.name+".db"),
			Profile: spec.profile,
			Name:    spec.name,
		})
		if err != nil {
			c.Close()
			return fmt.Errorf("failed to open %s database: %w", spec.name, err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			c.Close()
			return fmt.Errorf("failed to migrate %s database: %w", spec.name, err)
		}
		*spec.target = db
		c.Databases[spec.name] = db
		log.Info().Str("database", spec.name).Str("profile", string(spec.profile)).Msg("Database ready")
	}
	return nil
}

func initRepositories(c *Container, log zerolog.Logger) {
	c.Wines = catalog.NewWineRepository(c.CellarDB.Conn(), log)
	c.Vintages = catalog.NewVintageRepository(c.CellarDB.Conn(), log)
	c.Suppliers = catalog.NewSupplierRepository(c.CellarDB.Conn(), log)
	c.InventoryRepo = inventory.NewRepository(c.LedgerDB.Conn(), log)
	c.ClientData = clientdata.NewRepository(c.CacheDB.Conn())
	c.Explain = explain.NewRepository(c.LearningDB.Conn())
}

func initServices(c *Container, cfg *config.Config, log zerolog.Logger) error {
	c.Bus = events.NewBus(log)
	c.Cache = cache.New(cache.Config{
		MaxSize:     cfg.Cache.MaxSize,
		MemoryLimit: cfg.Cache.MemoryLimit,
		DefaultTTL:  cfg.Cache.DefaultTTL,
		Strategy:    cache.Strategy(cfg.Cache.Strategy),
	})

	c.OpenMeteo = openmeteo.NewClient(cfg.OpenMeteo, cfg.DisableExternalCalls, c.ClientData, c.Explain, log)
	c.Anthropic = anthropic.NewClient(cfg.AI, log)

	c.Vintage = vintage.NewService(c.OpenMeteo, c.Vintages, c.Wines, c.Explain, log)
	c.Inventory = inventory.NewService(c.LedgerDB.Conn(), c.InventoryRepo, c.Bus, c.Vintage, log)
	c.Resolver = newCatalogResolver(c.Wines, c.Vintages)

	c.Learning = learning.NewService(c.LearningDB.Conn(), c.Explain, newWineMetaAdapter(c.Wines, c.Vintages), log)
	c.Pairing = pairing.NewService(
		newCandidateSource(c.InventoryRepo, c.Wines, c.Vintages),
		c.Learning,
		c.Anthropic,
		c.Learning,
		c.Cache,
		c.Bus,
		cfg.DisableExternalCalls,
		log,
	)
	c.Experiments = experiments.NewService(c.LearningDB.Conn(), log)

	c.Metrics = observability.NewMetrics()
	c.RUM = observability.NewRUMBuffer(log)
	c.System = observability.NewSystemMonitor(cfg.DataDir, log)

	c.Scheduler = scheduler.New(cfg.Scheduler, c.OpenMeteo, c.Vintage, log)
	c.Cron = scheduler.NewCronRunner(log)

	c.Dispatcher = agent.NewDispatcher(c.ClientData, log)
	if err := agent.RegisterBuiltinTools(c.Dispatcher, c.Inventory, c.InventoryRepo, c.Pairing, c.Vintage); err != nil {
		return fmt.Errorf("failed to register agent tools: %w", err)
	}

	c.Maintenance = reliability.NewMaintenanceService(c.Databases, log)
	if cfg.Backup.Enabled {
		store, err := reliability.NewS3Store(cfg.Backup, log)
		if err != nil {
			return fmt.Errorf("failed to build backup store: %w", err)
		}
		c.Backups = reliability.NewBackupService(c.Databases, store, cfg.DataDir, log)
	}
	return nil
}
