package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"eplustv/work/cache"
	"eplustv/work/config"
	"eplustv/work/database"
	"eplustv/work/logger"
	"eplustv/work/metrics"
	"eplustv/work/parser"
	"eplustv/work/provider"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// Store is the schedule lookup surface the manager needs.
type Store interface {
	CurrentEntry(channel int, at time.Time) (*database.EntryRow, error)
	NextEntry(channel int, after time.Time) (*database.EntryRow, error)
}

// Resolver finds the provider that owns a schedule entry's source.
type Resolver interface {
	Get(source string) (provider.Provider, error)
}

// ChannelStatus carries the live state of one virtual channel.
type ChannelStatus struct {
	mu        sync.Mutex
	heartbeat atomic.Int64 // unix nanos of the last client request
	launching atomic.Bool  // playback request in flight, spawn not done yet

	current    string // entry id the pipeline is playing
	cmd        *exec.Cmd
	pid        int
	sessionDir string

	nextUp      string // entry id the armed transition will switch to
	nextUpTimer *time.Timer
}

// Manager owns channel lifecycles: heartbeats, pipeline spawn and teardown,
// armed transitions at event boundaries, and the idle sweep.
type Manager struct {
	cfg       *config.Config
	store     Store
	providers Resolver
	manifest  *parser.ManifestRewriter
	sessions  *cache.SessionStore
	super     Supervisor
	pool      *ants.Pool

	status   *xsync.MapOf[int, *ChannelStatus]
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewManager wires the lifecycle manager. The pool may be nil; background
// work falls back to plain goroutines.
func NewManager(cfg *config.Config, store Store, providers Resolver, manifest *parser.ManifestRewriter, sessions *cache.SessionStore, super Supervisor, pool *ants.Pool) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		providers: providers,
		manifest:  manifest,
		sessions:  sessions,
		super:     super,
		pool:      pool,
		status:    xsync.NewMapOf[int, *ChannelStatus](),
		stopChan:  make(chan struct{}),
	}
}

// statusFor returns the status record for a channel, creating it on first
// touch.
func (m *Manager) statusFor(channel int) *ChannelStatus {
	st, _ := m.status.LoadOrStore(channel, &ChannelStatus{})
	return st
}

// Touch records a client heartbeat for the channel. Every HTTP request that
// names a channel lands here.
func (m *Manager) Touch(channel int) {
	m.statusFor(channel).heartbeat.Store(time.Now().UnixNano())
}

// Heartbeat reports when the channel last saw a client. Zero means never.
func (m *Manager) Heartbeat(channel int) time.Time {
	st, ok := m.status.Load(channel)
	if !ok {
		return time.Time{}
	}
	nanos := st.heartbeat.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// channelBase is the public URL prefix all rewritten URIs for a channel hang
// from.
func (m *Manager) channelBase(channel int) string {
	return fmt.Sprintf("%s/channels/%d", m.cfg.BaseURL, channel)
}

// Playlist returns the playlist body to serve for a channel right now: the
// rewritten upstream master when an event is live, the slate otherwise. It
// also kicks the pipeline spawn and transition arming in the background.
func (m *Manager) Playlist(ctx context.Context, channel int) (string, error) {
	base := m.channelBase(channel)

	entry, err := m.store.CurrentEntry(channel, time.Now())
	if err != nil {
		return "", fmt.Errorf("looking up current entry: %w", err)
	}
	if entry == nil {
		return BuildSlate(base), nil
	}

	prov, err := m.providers.Get(entry.Source)
	if err != nil {
		logger.Warn("{lifecycle/lifecycle.go - Playlist} Channel %d entry %s has no provider: %v", channel, entry.ID, err)
		return BuildSlate(base), nil
	}
	data, err := prov.GetEventData(ctx, entry.ID)
	if err != nil || data.URL == "" {
		// not live yet; the client keeps polling the slate
		logger.Debug("{lifecycle/lifecycle.go - Playlist} Channel %d entry %s not streamable yet", channel, entry.ID)
		return BuildSlate(base), nil
	}

	m.submit(func() {
		m.startResolved(channel, entry, data)
		m.ArmNextTransition(channel)
	})

	body, err := m.manifest.Rewrite(ctx, channel, entry.Network, data.URL, data.Headers, base)
	if err != nil {
		logger.Warn("{lifecycle/lifecycle.go - Playlist} Channel %d master rewrite failed: %v", channel, err)
		return BuildSlate(base), nil
	}
	return body, nil
}

// RequestPlayback spawns the media pipeline for whatever is currently
// scheduled on the channel. A channel that is already launching or playing
// is left alone.
func (m *Manager) RequestPlayback(ctx context.Context, channel int) {
	st := m.statusFor(channel)
	if !st.launching.CompareAndSwap(false, true) {
		return
	}
	defer st.launching.Store(false)

	st.mu.Lock()
	running := st.cmd != nil
	st.mu.Unlock()
	if running {
		return
	}

	entry, err := m.store.CurrentEntry(channel, time.Now())
	if err != nil {
		logger.Error("{lifecycle/lifecycle.go - RequestPlayback} Channel %d entry lookup failed: %v", channel, err)
		return
	}
	if entry == nil {
		return
	}

	prov, err := m.providers.Get(entry.Source)
	if err != nil {
		logger.Warn("{lifecycle/lifecycle.go - RequestPlayback} Channel %d entry %s has no provider: %v", channel, entry.ID, err)
		return
	}
	data, err := prov.GetEventData(ctx, entry.ID)
	if err != nil || data.URL == "" {
		// retryable: the event may simply not be live yet
		logger.Debug("{lifecycle/lifecycle.go - RequestPlayback} Channel %d entry %s not streamable yet", channel, entry.ID)
		return
	}

	m.launch(channel, st, entry, data)
}

// startResolved spawns playback for an entry whose stream URL the caller
// already resolved, so the upstream is not asked for it a second time.
func (m *Manager) startResolved(channel int, entry *database.EntryRow, data provider.EventData) {
	st := m.statusFor(channel)
	if !st.launching.CompareAndSwap(false, true) {
		return
	}
	defer st.launching.Store(false)

	st.mu.Lock()
	running := st.cmd != nil
	st.mu.Unlock()
	if running || data.URL == "" {
		return
	}

	m.launch(channel, st, entry, data)
}

// launch spawns the pipeline and logs the outcome. The caller holds the
// launching flag.
func (m *Manager) launch(channel int, st *ChannelStatus, entry *database.EntryRow, data provider.EventData) {
	if err := m.spawnPipeline(channel, st, entry, data); err != nil {
		logger.Error("{lifecycle/lifecycle.go - launch} Channel %d pipeline spawn failed: %v", channel, err)
		return
	}
	logger.Info("{lifecycle/lifecycle.go - launch} Channel %d playing %q (%s)", channel, entry.Title, entry.ID)
}

// spawnPipeline starts the external media pipeline in its own process group
// with a per-session working directory.
func (m *Manager) spawnPipeline(channel int, st *ChannelStatus, entry *database.EntryRow, data provider.EventData) error {
	session := uuid.NewString()
	dir := filepath.Join(m.cfg.WorkingDir, fmt.Sprintf("channel-%d", channel), session)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}

	// published before the pipeline produces output so early pollers get
	// the holding pattern instead of a 404
	slate := BuildSlate(m.channelBase(channel))
	if err := os.WriteFile(filepath.Join(dir, "slate.m3u8"), []byte(slate), 0o644); err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("writing slate: %w", err)
	}

	args := make([]string, 0, len(m.cfg.PipelinePreInput)+len(m.cfg.PipelinePreOutput)+3)
	args = append(args, m.cfg.PipelinePreInput...)
	args = append(args, "-i", data.URL)
	args = append(args, m.cfg.PipelinePreOutput...)
	args = append(args, filepath.Join(dir, "stream.m3u8"))

	cmd := exec.Command(m.cfg.PipelineCommand, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = detachedProcAttr()
	cmd.Env = append(os.Environ(),
		"EPLUSTV_CHANNEL="+strconv.Itoa(channel),
		"EPLUSTV_URL="+data.URL,
		"EPLUSTV_HEADERS="+flattenHeaders(data.Headers),
		"EPLUSTV_QUALITY="+m.cfg.Quality,
	)

	if err := cmd.Start(); err != nil {
		os.RemoveAll(dir)
		return err
	}

	st.mu.Lock()
	st.current = entry.ID
	st.cmd = cmd
	st.pid = cmd.Process.Pid
	st.sessionDir = dir
	st.mu.Unlock()

	metrics.ActiveChannels.Inc()
	go m.waitPipeline(channel, st, cmd, dir)
	return nil
}

// waitPipeline reaps the pipeline process and cleans up after it. The status
// reset is skipped when a transition already replaced the command.
func (m *Manager) waitPipeline(channel int, st *ChannelStatus, cmd *exec.Cmd, dir string) {
	err := cmd.Wait()
	metrics.ActiveChannels.Dec()
	os.RemoveAll(dir)

	st.mu.Lock()
	if st.cmd == cmd {
		st.cmd = nil
		st.pid = 0
		st.current = ""
		st.sessionDir = ""
	}
	st.mu.Unlock()

	if err != nil {
		logger.Debug("{lifecycle/lifecycle.go - waitPipeline} Channel %d pipeline exited: %v", channel, err)
	}
}

// ArmNextTransition schedules a one-shot switch to the next entry at its
// start time. Channels without a recent heartbeat and channels with a timer
// already armed are skipped.
func (m *Manager) ArmNextTransition(channel int) {
	hb := m.Heartbeat(channel)
	if hb.IsZero() || time.Since(hb) > m.cfg.ActiveWindow {
		return
	}

	st := m.statusFor(channel)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.nextUpTimer != nil {
		return
	}

	next, err := m.store.NextEntry(channel, time.Now())
	if err != nil {
		logger.Error("{lifecycle/lifecycle.go - ArmNextTransition} Channel %d next entry lookup failed: %v", channel, err)
		return
	}
	if next == nil {
		return
	}

	delay := time.Until(next.Start)
	if delay < 0 {
		delay = 0
	}
	entryID := next.ID
	st.nextUp = entryID
	st.nextUpTimer = time.AfterFunc(delay, func() {
		m.fireTransition(channel, entryID)
	})
	logger.Debug("{lifecycle/lifecycle.go - ArmNextTransition} Channel %d armed for %s in %s", channel, entryID, delay.Round(time.Second))
}

// CancelTransition drops a pending armed transition, if any.
func (m *Manager) CancelTransition(channel int) {
	st, ok := m.status.Load(channel)
	if !ok {
		return
	}
	st.mu.Lock()
	if st.nextUpTimer != nil {
		st.nextUpTimer.Stop()
		st.nextUpTimer = nil
		st.nextUp = ""
	}
	st.mu.Unlock()
}

// fireTransition runs when an armed timer elapses. A timer that was cancelled
// or superseded since arming is a no-op.
func (m *Manager) fireTransition(channel int, entryID string) {
	st := m.statusFor(channel)

	st.mu.Lock()
	if st.nextUpTimer == nil || st.nextUp != entryID {
		st.mu.Unlock()
		return
	}
	st.nextUp = ""
	st.nextUpTimer = nil
	cmd := st.cmd
	pid := st.pid
	st.cmd = nil
	st.pid = 0
	st.current = ""
	st.mu.Unlock()

	logger.Info("{lifecycle/lifecycle.go - fireTransition} Channel %d switching to %s", channel, entryID)
	metrics.ChannelTransitions.WithLabelValues(strconv.Itoa(channel)).Inc()

	if cmd != nil && pid > 0 {
		if err := m.super.KillTree(pid); err != nil {
			logger.Warn("{lifecycle/lifecycle.go - fireTransition} Channel %d pipeline kill failed: %v", channel, err)
		}
	}

	m.RequestPlayback(context.Background(), channel)
	m.ArmNextTransition(channel)
}

// SweepIdle tears down every channel whose last heartbeat is older than the
// idle timeout.
func (m *Manager) SweepIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout).UnixNano()
	m.status.Range(func(channel int, st *ChannelStatus) bool {
		if st.heartbeat.Load() > cutoff {
			return true
		}
		m.teardown(channel, st)
		return true
	})
}

// teardown kills the channel's pipeline, drops its timers and session state,
// and forgets the channel entirely.
func (m *Manager) teardown(channel int, st *ChannelStatus) {
	st.mu.Lock()
	if st.nextUpTimer != nil {
		st.nextUpTimer.Stop()
		st.nextUpTimer = nil
		st.nextUp = ""
	}
	cmd := st.cmd
	pid := st.pid
	st.cmd = nil
	st.pid = 0
	st.current = ""
	st.mu.Unlock()

	if cmd != nil && pid > 0 {
		logger.Info("{lifecycle/lifecycle.go - teardown} Channel %d idle, stopping pipeline", channel)
		if err := m.super.KillTree(pid); err != nil {
			logger.Warn("{lifecycle/lifecycle.go - teardown} Channel %d pipeline kill failed: %v", channel, err)
		}
	}

	m.sessions.Clear(channel)
	m.status.Delete(channel)
}

// Start runs the idle sweep on a fixed cadence until Stop or context
// cancellation.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.SweepIdle()
			case <-ctx.Done():
				return
			case <-m.stopChan:
				return
			}
		}
	}()
}

// Stop halts the sweep loop and tears down every channel.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.status.Range(func(channel int, st *ChannelStatus) bool {
		m.teardown(channel, st)
		return true
	})
}

// submit runs fn on the worker pool, falling back to a goroutine.
func (m *Manager) submit(fn func()) {
	if m.pool != nil && m.pool.Submit(fn) == nil {
		return
	}
	go fn()
}

// flattenHeaders encodes headers as pipe-separated key=value pairs for the
// pipeline environment.
func flattenHeaders(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(headers))
	for k, v := range headers {
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, "|")
}
