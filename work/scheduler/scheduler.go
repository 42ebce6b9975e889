package scheduler

import (
	"sort"
	"sync"
	"time"

	"eplustv/work/config"
	"eplustv/work/database"
	"eplustv/work/logger"
	"eplustv/work/metrics"

	"github.com/grafana/regexp"
)

// Store is the slice of the entry/slot store the scheduler needs.
// *database.DB satisfies it; tests use an in-memory fake.
type Store interface {
	UnassignedEntries() ([]*database.EntryRow, error)
	FreeSlots(startChannel int, by time.Time) ([]database.SlotRow, error)
	OccupiedCount(startChannel int) (int, error)
	RaiseSlot(channel int, endsAt time.Time) error
	SetEntryChannel(id string, channel int) error
	LinearChannelFor(network string) (int, bool, error)
	PinLinearChannel(network string, channel int) error
	WipeSlots() error
	StripAssignments() error
	DeletePlaceholders() error
}

// Scheduler packs newly-harvested entries onto the bounded channel lineup
// without time overlap. A run is single-writer: the mutex keeps two runs
// from interleaving slot mutations.
type Scheduler struct {
	cfg     *config.Config
	store   Store
	titleRe *regexp.Regexp
	mu      sync.Mutex
}

// New builds a scheduler, compiling the title pre-filter. An invalid title
// regex is logged and ignored, matching how source filters degrade
// elsewhere in the gateway.
func New(cfg *config.Config, store Store) *Scheduler {
	s := &Scheduler{cfg: cfg, store: store}

	if cfg.TitleFilter != "" {
		compiled, err := regexp.Compile(cfg.TitleFilter)
		if err != nil {
			logger.Error("{scheduler - New} invalid titleFilter %q: %v", cfg.TitleFilter, err)
		} else {
			s.titleRe = compiled
		}
	}
	return s
}

// Run loads unassigned entries and schedules them onto the configured
// lineup.
func (s *Scheduler) Run() error {
	entries, err := s.store.UnassignedEntries()
	if err != nil {
		return err
	}
	return s.Schedule(entries, s.cfg.StartChannel, s.cfg.NumChannels)
}

// Schedule assigns channel numbers to entries in ascending start order.
// Entries that fail the pre-filters are left permanently unscheduled.
// Entries that find no free slot when all channels are occupied stay
// unscheduled too; that is backpressure, not an error.
func (s *Scheduler) Schedule(entries []*database.EntryRow, startChannel, numChannels int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store order already breaks ties by insertion; the stable sort keeps
	// that when callers hand in unsorted batches.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Start.Before(entries[j].Start)
	})

	for _, entry := range entries {
		if s.excluded(entry) {
			continue
		}

		if s.cfg.LinearChannels && entry.Linear {
			if err := s.placeLinear(entry, startChannel, numChannels); err != nil {
				return err
			}
			continue
		}

		channel, ok, err := s.placeEntry(entry, startChannel, numChannels)
		if err != nil {
			return err
		}
		if !ok {
			metrics.ScheduledEntries.WithLabelValues("deferred").Inc()
			logger.Debug("{scheduler - Schedule} no capacity for %s (%s)", entry.ID, entry.Title)
			continue
		}

		if err := s.store.RaiseSlot(channel, entry.End); err != nil {
			return err
		}
		if err := s.store.SetEntryChannel(entry.ID, channel); err != nil {
			return err
		}
		ch := channel
		entry.Channel = &ch
		metrics.ScheduledEntries.WithLabelValues("assigned").Inc()
		logger.Debug("{scheduler - Schedule} %s -> channel %d until %s", entry.ID, channel, entry.End.Format(time.RFC3339))
	}

	return nil
}

// placeEntry picks a channel for one entry: the lowest-numbered slot free by
// the entry's start, else a brand-new channel while lineup capacity remains.
func (s *Scheduler) placeEntry(entry *database.EntryRow, startChannel, numChannels int) (int, bool, error) {
	free, err := s.store.FreeSlots(startChannel, entry.Start)
	if err != nil {
		return 0, false, err
	}
	if len(free) > 0 {
		return free[0].Channel, true, nil
	}

	occupied, err := s.store.OccupiedCount(startChannel)
	if err != nil {
		return 0, false, err
	}
	if occupied >= numChannels {
		return 0, false, nil
	}
	return occupied + startChannel, true, nil
}

// placeLinear puts a linear entry on its network's dedicated channel,
// pinning a fresh one inside the served range on first sight. The pin holds
// the channel's slot until the linear horizon, so pooled entries can never
// double-book it. Linear entries on the same network may overlap in time;
// the lifecycle plays whichever is current.
func (s *Scheduler) placeLinear(entry *database.EntryRow, startChannel, numChannels int) error {
	channel, ok, err := s.store.LinearChannelFor(entry.Network)
	if err != nil {
		return err
	}
	if !ok {
		occupied, err := s.store.OccupiedCount(startChannel)
		if err != nil {
			return err
		}
		if occupied >= numChannels {
			metrics.ScheduledEntries.WithLabelValues("deferred").Inc()
			logger.Debug("{scheduler - placeLinear} no capacity to dedicate a channel to %s", entry.Network)
			return nil
		}
		channel = occupied + startChannel
		if err := s.store.PinLinearChannel(entry.Network, channel); err != nil {
			return err
		}
		logger.Info("{scheduler - placeLinear} dedicated channel %d to %s", channel, entry.Network)
	}

	if err := s.store.SetEntryChannel(entry.ID, channel); err != nil {
		return err
	}
	ch := channel
	entry.Channel = &ch
	metrics.ScheduledEntries.WithLabelValues("assigned").Inc()
	logger.Debug("{scheduler - placeLinear} %s -> linear channel %d", entry.ID, channel)
	return nil
}

// excluded applies the category allow-list and title regex. Filtered
// entries never get a channel, on this run or any later one.
func (s *Scheduler) excluded(entry *database.EntryRow) bool {
	if len(s.cfg.CategoryFilter) > 0 && !matchesCategory(entry.Categories, s.cfg.CategoryFilter) {
		return true
	}
	if s.titleRe != nil && !s.titleRe.MatchString(entry.Title) {
		return true
	}
	return false
}

// matchesCategory reports whether any entry category is on the allow-list.
func matchesCategory(categories, allowed []string) bool {
	for _, c := range categories {
		for _, a := range allowed {
			if c == a {
				return true
			}
		}
	}
	return false
}

// Rebuild wipes every slot and assignment and schedules from scratch. Run
// when linear-channel mode is disabled: stale assignments made under the
// old policy must not linger.
func (s *Scheduler) Rebuild() error {
	s.mu.Lock()
	if err := s.store.WipeSlots(); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.store.StripAssignments(); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.store.DeletePlaceholders(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	logger.Info("{scheduler - Rebuild} wiped slots and assignments, rescheduling")
	return s.Run()
}
