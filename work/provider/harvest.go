package provider

import (
	"context"
	"sync"
	"time"

	"eplustv/work/config"
	"eplustv/work/database"
	"eplustv/work/logger"

	"github.com/panjf2000/ants/v2"
)

// Harvester periodically pulls schedules from every registered provider into
// the store and prunes entries whose window has fully passed. Individual
// provider failures are logged and skipped; one broken source never blocks
// the others.
type Harvester struct {
	cfg      *config.Config
	db       *database.DB
	registry *Registry
	pool     *ants.Pool
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewHarvester wires the harvest loop to the store and worker pool.
func NewHarvester(cfg *config.Config, db *database.DB, registry *Registry, pool *ants.Pool) *Harvester {
	return &Harvester{
		cfg:      cfg,
		db:       db,
		registry: registry,
		pool:     pool,
		stopChan: make(chan struct{}),
	}
}

// HarvestOnce runs one schedule pull across all providers on the worker
// pool and waits for completion.
func (h *Harvester) HarvestOnce(ctx context.Context) {
	var wg sync.WaitGroup

	h.registry.Each(func(p Provider) {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			h.harvestProvider(ctx, p)
		}
		if err := h.pool.Submit(task); err != nil {
			// pool saturated or released; run inline rather than dropping
			task()
		}
	})
	wg.Wait()

	if removed, err := h.db.DeleteEndedEntries(time.Now()); err != nil {
		logger.Error("{provider/harvest - HarvestOnce} pruning ended entries: %v", err)
	} else if removed > 0 {
		logger.Debug("{provider/harvest - HarvestOnce} pruned %d ended entries", removed)
	}
}

// harvestProvider pulls one provider's schedule into the store.
func (h *Harvester) harvestProvider(ctx context.Context, p Provider) {
	entries, err := p.GetSchedule(ctx)
	if err != nil {
		logger.Warn("{provider/harvest - harvestProvider} %s schedule failed: %v", p.Name(), err)
		return
	}

	inserted := 0
	for _, e := range entries {
		if e.Source == "" {
			e.Source = p.Name()
		}
		if err := h.db.UpsertEntry(e); err != nil {
			logger.Warn("{provider/harvest - harvestProvider} %s entry %s rejected: %v", p.Name(), e.ID, err)
			continue
		}
		inserted++
	}
	logger.Info("{provider/harvest - harvestProvider} %s: %d entries harvested", p.Name(), inserted)
}

// Start runs the harvest loop until Stop. after is invoked following every
// harvest; the caller hangs the scheduler run off it.
func (h *Harvester) Start(ctx context.Context, after func()) {
	ticker := time.NewTicker(h.cfg.HarvestInterval)
	defer ticker.Stop()

	for {
		h.HarvestOnce(ctx)
		if after != nil {
			after()
		}

		select {
		case <-h.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop terminates the harvest loop.
func (h *Harvester) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
}
