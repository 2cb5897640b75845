// Package pool manages the fixed set of browser-tab slots shared by every
// client: non-blocking acquire with a FIFO wait queue, lease validation,
// send dispatch, and the background monitors that keep the slots alive
// without anyone asking.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/saltenhof/gemini-session-pool/internal/browser"
	"github.com/saltenhof/gemini-session-pool/internal/config"
	"github.com/saltenhof/gemini-session-pool/internal/metrics"
	"github.com/saltenhof/gemini-session-pool/internal/slot"
	"github.com/saltenhof/gemini-session-pool/internal/types"
)

type queueEntry struct {
	owner      string
	enqueuedAt time.Time
}

// Pool holds every slot for the process's lifetime - slots themselves are
// never added or removed, only recycled in place, so the slots slice and
// map need no lock. Everything that actually changes over time (the wait
// queue, the last-known login/enterprise state, the health-check clock)
// is guarded by a single mutex: unlike the Python original, which gets
// mutual exclusion for free from asyncio's single-threaded event loop, Go
// handlers run concurrently and need an explicit lock around this shared
// bookkeeping.
type Pool struct {
	slots    []*slot.Slot
	slotByID map[string]*slot.Slot

	driver *browser.Driver

	poolCfg    config.PoolConfig
	healthCfg  config.HealthConfig
	browserCfg config.BrowserConfig

	mu              sync.Mutex
	queue           []queueEntry
	loginOK         bool
	enterprise      bool
	lastHealthCheck time.Time

	startTime time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New builds a Pool over an already-created set of slots.
func New(slots []*slot.Slot, poolCfg config.PoolConfig, healthCfg config.HealthConfig, browserCfg config.BrowserConfig, driver *browser.Driver) *Pool {
	byID := make(map[string]*slot.Slot, len(slots))
	for _, s := range slots {
		byID[s.ID()] = s
	}

	now := time.Now()
	return &Pool{
		slots:           slots,
		slotByID:        byID,
		driver:          driver,
		poolCfg:         poolCfg,
		healthCfg:       healthCfg,
		browserCfg:      browserCfg,
		loginOK:         true,
		lastHealthCheck: now,
		startTime:       now,
		stopCh:          make(chan struct{}),
	}
}

// Acquire attempts to hand owner a slot. It never blocks: a free slot is
// handed over immediately, an already-busy owner is reattached to its
// existing slot, and otherwise the owner is queued or rejected depending
// on queue capacity.
func (p *Pool) Acquire(owner string) types.AcquireResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.slots {
		if s.State() == slot.StateBusy && s.Owner() == owner {
			log.Info().Str("owner", owner).Str("slot_id", s.ID()).Msg("reattaching owner to existing slot")
			metrics.RecordAcquire("acquired")
			return types.AcquireResult{
				Status:                "acquired",
				SlotID:                s.ID(),
				LeaseToken:            s.LeaseToken(),
				Reattached:            true,
				ExpiresAfterInactiveS: p.poolCfg.InactivityTimeoutS,
			}
		}
	}

	for idx, entry := range p.queue {
		if entry.owner == owner {
			position := idx + 1
			metrics.RecordAcquire("queued")
			return types.AcquireResult{
				Status:         "queued",
				QueuePosition:  position,
				EstimatedWaitS: estimatedWaitS(position),
			}
		}
	}

	for _, s := range p.slots {
		if s.State() == slot.StateFree {
			token, err := s.Acquire(owner)
			if err != nil {
				// Lost a race with another caller between the State() check
				// and Acquire() - fall through and try the next free slot.
				log.Warn().Err(err).Str("slot_id", s.ID()).Msg("slot no longer free, trying next")
				continue
			}
			metrics.RecordAcquire("acquired")
			return types.AcquireResult{
				Status:                "acquired",
				SlotID:                s.ID(),
				LeaseToken:            token,
				Reattached:            false,
				ExpiresAfterInactiveS: p.poolCfg.InactivityTimeoutS,
			}
		}
	}

	if len(p.queue) < p.poolCfg.MaxQueueDepth {
		p.queue = append(p.queue, queueEntry{owner: owner, enqueuedAt: time.Now()})
		position := len(p.queue)
		log.Info().Str("owner", owner).Int("position", position).Msg("owner queued")
		metrics.RecordAcquire("queued")
		return types.AcquireResult{
			Status:         "queued",
			QueuePosition:  position,
			EstimatedWaitS: estimatedWaitS(position),
		}
	}

	metrics.RecordAcquire("rejected")
	return types.AcquireResult{
		Status:     "rejected",
		Error:      "pool_exhausted",
		TotalSlots: len(p.slots),
		QueueDepth: len(p.queue),
		QueueMax:   p.poolCfg.MaxQueueDepth,
	}
}

func estimatedWaitS(position int) int {
	wait := position * 30
	if wait < 1 {
		return 1
	}
	return wait
}

// Release validates the lease and returns slotID to FREE, immediately
// handing it to the next queued owner if any are waiting.
func (p *Pool) Release(slotID, token string) error {
	s, err := p.getSlot(slotID)
	if err != nil {
		return err
	}
	if err := s.ValidateLease(token); err != nil {
		return err
	}
	s.Release()
	metrics.RecordRelease()
	p.assignNextInQueue(s)
	p.navigateFreedSlotAsync(s)
	return nil
}

// navigateFreedSlotAsync fires a best-effort background navigation of a
// just-released tab back to a new chat, so the next owner to acquire this
// slot doesn't see the previous owner's conversation. Skipped when the slot
// was immediately handed off to a queued owner rather than left FREE.
func (p *Pool) navigateFreedSlotAsync(s *slot.Slot) {
	if s.State() != slot.StateFree {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(p.browserCfg.NavigationTimeoutMS)*time.Millisecond)
		defer cancel()
		if s.State() != slot.StateFree {
			return
		}
		if err := p.driver.NavigateToNewChat(ctx, s.Page()); err != nil {
			log.Warn().Err(err).Str("slot_id", s.ID()).Msg("failed to navigate freed slot to new chat")
		}
	}()
}

// Send validates the lease and dispatches to the slot's send-and-extract
// protocol. The pool-wide mutex is not held during the send itself - only
// the slot's own opMu serializes that - so other owners' acquire/release
// calls are never blocked by someone else's in-flight send.
func (p *Pool) Send(ctx context.Context, slotID, token, message string, filePaths []string) (text, format string, durationMS int64, err error) {
	s, err := p.getSlot(slotID)
	if err != nil {
		return "", "", 0, err
	}
	if err := s.ValidateLease(token); err != nil {
		return "", "", 0, err
	}

	start := time.Now()
	text, format, durationMS, sendErr := s.SendMessage(ctx, message, filePaths)
	metrics.RecordSend(sendResultLabel(sendErr), time.Since(start))
	return text, format, durationMS, sendErr
}

// sendResultLabel maps a send error to the metrics label - "ok" for nil,
// the structured error's Kind when available, otherwise a generic bucket.
func sendResultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var sendErr *types.SendError
	if errors.As(err, &sendErr) {
		return sendErr.Kind
	}
	return "driver_error"
}

func (p *Pool) getSlot(slotID string) (*slot.Slot, error) {
	s, ok := p.slotByID[slotID]
	if !ok {
		return nil, fmt.Errorf("slot %s: %w", slotID, types.ErrSlotNotFound)
	}
	return s, nil
}

// assignNextInQueue hands a just-freed slot to the next waiting owner, if
// any. Must be called without p.mu held by the caller - it takes the lock
// itself.
func (p *Pool) assignNextInQueue(s *slot.Slot) {
	if s.State() != slot.StateFree {
		return
	}

	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	entry := p.queue[0]
	p.queue = p.queue[1:]
	p.mu.Unlock()

	if _, err := s.Acquire(entry.owner); err != nil {
		log.Error().Err(err).Str("slot_id", s.ID()).Str("owner", entry.owner).Msg("queue handoff failed")
		return
	}
	log.Info().
		Str("owner", entry.owner).
		Str("slot_id", s.ID()).
		Dur("waited", time.Since(entry.enqueuedAt)).
		Msg("queue handoff complete")
}

// Status returns a full point-in-time snapshot for the pool status
// endpoint.
func (p *Pool) Status() types.PoolStatus {
	slots := make([]types.SlotStatus, 0, len(p.slots))
	var free, busy, errored int
	for _, s := range p.slots {
		slots = append(slots, s.Snapshot())
		switch s.State() {
		case slot.StateFree:
			free++
		case slot.StateBusy:
			busy++
		case slot.StateError:
			errored++
		}
	}

	p.mu.Lock()
	queue := make([]types.QueueEntryStatus, 0, len(p.queue))
	now := time.Now()
	for idx, entry := range p.queue {
		queue = append(queue, types.QueueEntryStatus{
			Owner:         entry.owner,
			WaitingSinceS: int(now.Sub(entry.enqueuedAt).Seconds()),
			Position:      idx + 1,
		})
	}
	loginOK := p.loginOK
	enterprise := p.enterprise
	lastHealthCheck := p.lastHealthCheck
	p.mu.Unlock()

	metrics.UpdateSlotCounts(free, busy, errored)
	metrics.UpdateQueueDepth(len(queue))

	return types.PoolStatus{
		Slots:      slots,
		Queue:      queue,
		FreeCount:  free,
		BusyCount:  busy,
		ErrorCount: errored,
		System: types.SystemStatus{
			ChromeAlive:      p.driver.CheckContextAlive(),
			LoggedIn:         loginOK,
			Enterprise:       enterprise,
			LastHealthCheckS: now.Sub(lastHealthCheck).Seconds(),
			UptimeS:          now.Sub(p.startTime).Seconds(),
		},
	}
}

// ResetAll stops the monitors, releases every slot, restarts the browser
// context, and recreates every slot's tab, restarting the monitors when
// done. Returns the number of slots that came back FREE.
func (p *Pool) ResetAll(ctx context.Context) (int, error) {
	log.Warn().Msg("full pool reset initiated")
	metrics.RecordReset("pool")
	p.stopMonitors()

	for _, s := range p.slots {
		if s.State() == slot.StateBusy {
			s.Release()
		}
	}

	p.mu.Lock()
	p.queue = nil
	p.mu.Unlock()

	if err := p.driver.RestartBrowser(ctx); err != nil {
		return 0, fmt.Errorf("restart browser: %w", err)
	}

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, s := range p.slots {
		sl := s
		eg.Go(func() error {
			page, err := p.driver.CreateSlotPage(ctx)
			if err != nil {
				log.Error().Err(err).Str("slot_id", sl.ID()).Msg("failed to recreate slot")
				sl.MarkError()
				return nil
			}
			if err := p.driver.NavigateToNewChat(ctx, page); err != nil {
				log.Error().Err(err).Str("slot_id", sl.ID()).Msg("failed to navigate recreated slot")
				sl.MarkError()
				return nil
			}
			sl.MarkFree(page)
			return nil
		})
	}
	_ = eg.Wait()

	p.startMonitors()

	available := 0
	for _, s := range p.slots {
		if s.State() == slot.StateFree {
			available++
		}
	}
	log.Info().Int("available", available).Msg("pool reset complete")
	return available, nil
}

// ResetSlot closes slotID's tab, opens a fresh one, and returns it to
// FREE, handing it to a queued owner if one is waiting.
func (p *Pool) ResetSlot(ctx context.Context, slotID string) error {
	s, err := p.getSlot(slotID)
	if err != nil {
		return err
	}

	log.Info().Str("slot_id", slotID).Msg("resetting slot")
	metrics.RecordReset("slot")
	newPage, err := p.driver.RestartSlotPage(ctx, s.Page())
	if err != nil {
		s.MarkError()
		return fmt.Errorf("reset slot %s: %w", slotID, err)
	}
	s.MarkFree(newPage)
	p.assignNextInQueue(s)
	return nil
}

// StartMonitors launches the inactivity and health background monitors.
func (p *Pool) StartMonitors() { p.startMonitors() }

func (p *Pool) startMonitors() {
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.inactivityMonitor()
	}()
	go func() {
		defer p.wg.Done()
		p.healthMonitor()
	}()
	log.Info().
		Int("inactivity_check_interval_s", p.healthCfg.InactivityCheckIntervalS).
		Int("health_check_interval_s", p.healthCfg.CheckIntervalS).
		Msg("pool monitors started")
}

// stopMonitors signals both monitors to exit and waits for them to do so.
// Safe to call even if the monitors were never started or already
// stopped once - ResetAll stops and immediately restarts them, so the
// stop channel is recreated here rather than closed permanently.
func (p *Pool) stopMonitors() {
	close(p.stopCh)
	p.wg.Wait()
	p.stopCh = make(chan struct{})
	log.Info().Msg("pool monitors stopped")
}

func (p *Pool) inactivityMonitor() {
	interval := time.Duration(p.healthCfg.InactivityCheckIntervalS) * time.Second
	timeout := time.Duration(p.poolCfg.InactivityTimeoutS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx := context.Background()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			for _, s := range p.slots {
				if s.State() != slot.StateBusy || s.IsSending() {
					continue
				}
				if time.Duration(s.IdleSeconds()*float64(time.Second)) <= timeout {
					continue
				}
				owner := s.Owner()
				log.Info().Str("slot_id", s.ID()).Str("owner", owner).Float64("idle_s", s.IdleSeconds()).Msg("slot idle past timeout, auto-releasing")
				s.Release()
				if err := p.driver.NavigateToNewChat(ctx, s.Page()); err != nil {
					log.Warn().Err(err).Str("slot_id", s.ID()).Msg("failed to navigate idle slot to new chat")
				}
				p.assignNextInQueue(s)
			}
		}
	}
}

func (p *Pool) healthMonitor() {
	interval := time.Duration(p.healthCfg.CheckIntervalS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx := context.Background()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.runHealthCheck(ctx)
		}
	}
}

// runHealthCheck only pokes the browser when at least one slot is busy,
// avoiding pointless tab creation/DOM queries on an idle pool - on some
// platforms that kind of background interaction can steal window focus.
func (p *Pool) runHealthCheck(ctx context.Context) {
	hasBusy := false
	for _, s := range p.slots {
		if s.State() == slot.StateBusy {
			hasBusy = true
			break
		}
	}
	if !hasBusy {
		return
	}

	p.mu.Lock()
	p.lastHealthCheck = time.Now()
	p.mu.Unlock()

	if !p.driver.CheckContextAlive() {
		log.Error().Msg("browser context is dead, initiating full reset")
		// ResetAll waits for the monitors to stop, this one included, so it
		// runs on its own goroutine while this tick returns.
		go func() {
			if _, err := p.ResetAll(ctx); err != nil {
				log.Error().Err(err).Msg("full reset after dead context failed")
			}
		}()
		return
	}

	for _, s := range p.slots {
		if s.State() == slot.StateError || s.IsSending() {
			continue
		}
		if p.driver.CheckPageAlive(s.Page()) {
			continue
		}

		log.Warn().Str("slot_id", s.ID()).Msg("slot page is dead, attempting recovery")
		oldPage := s.Page()
		s.MarkError()

		newPage, err := p.driver.RestartSlotPage(ctx, oldPage)
		if err != nil {
			log.Error().Err(err).Str("slot_id", s.ID()).Msg("slot recovery failed")
			continue
		}
		s.MarkFree(newPage)
		p.assignNextInQueue(s)
	}

	for _, s := range p.slots {
		if s.State() != slot.StateFree {
			continue
		}
		loggedIn := p.driver.IsLoggedIn(s.Page())
		enterprise := p.driver.IsEnterprise(s.Page())
		p.mu.Lock()
		p.loginOK = loggedIn
		p.enterprise = enterprise
		p.mu.Unlock()
		if !loggedIn {
			log.Warn().Msg("login check failed, session may have expired")
		}
		break
	}
}

// Shutdown stops the monitors and closes the underlying browser.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopMonitorsFinal()
	return p.driver.Close()
}

// stopMonitorsFinal stops the monitors without recreating the stop
// channel, for use during process shutdown where nothing will restart
// them afterward.
func (p *Pool) stopMonitorsFinal() {
	select {
	case <-p.stopCh:
		// already stopped
	default:
		close(p.stopCh)
	}
	p.wg.Wait()
}
