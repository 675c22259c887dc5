package auction

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"swarm_auction/internal/domain"
)

const DefaultWindow = 15 * time.Second

// Auction is a sealed-bid reverse auction for one task. The lowest bid wins;
// among equal bids the first one submitted wins.
type Auction struct {
	TaskID   string
	OpenedAt time.Time

	mu     sync.Mutex
	bids   []domain.Bid
	closed bool
	winner *domain.Bid
}

func (a *Auction) submit(agentID string, sats int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.bids = append(a.bids, domain.Bid{AgentID: agentID, BidSats: sats, TaskID: a.TaskID})
	return true
}

func (a *Auction) close() (domain.Bid, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		for i := range a.bids {
			if a.winner == nil || a.bids[i].BidSats < a.winner.BidSats {
				w := a.bids[i]
				a.winner = &w
			}
		}
	}
	if a.winner == nil {
		return domain.Bid{}, false
	}
	return *a.winner, true
}

func (a *Auction) Bids() []domain.Bid {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.Bid(nil), a.bids...)
}

func (a *Auction) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Auction) Winner() (domain.Bid, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.winner == nil {
		return domain.Bid{}, false
	}
	return *a.winner, true
}

// Manager tracks auctions by task id for the lifetime of the coordinator.
type Manager struct {
	mu       sync.Mutex
	auctions map[string]*Auction
	window   time.Duration
	logger   *zap.Logger
}

func NewManager(window time.Duration, logger *zap.Logger) *Manager {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		auctions: make(map[string]*Auction),
		window:   window,
		logger:   logger.With(zap.String("component", "auction")),
	}
}

func (m *Manager) Window() time.Duration {
	return m.window
}

// Open starts a fresh auction for taskID, replacing any earlier record.
func (m *Manager) Open(taskID string) *Auction {
	a := &Auction{TaskID: taskID, OpenedAt: time.Now().UTC()}
	m.mu.Lock()
	prev, existed := m.auctions[taskID]
	m.auctions[taskID] = a
	m.mu.Unlock()

	if existed && !prev.Closed() {
		m.logger.Warn("replacing open auction", zap.String("task_id", taskID), zap.Int("dropped_bids", len(prev.Bids())))
	}
	m.logger.Debug("auction opened", zap.String("task_id", taskID))
	return a
}

// SubmitBid records a bid. It reports false for unknown or closed auctions
// and for negative amounts.
func (m *Manager) SubmitBid(taskID, agentID string, sats int64) bool {
	if sats < 0 {
		return false
	}
	a, ok := m.Get(taskID)
	if !ok {
		return false
	}
	return a.submit(agentID, sats)
}

// Close freezes bids and returns the winner. Closing again returns the same
// winner; closing an unknown task returns no winner.
func (m *Manager) Close(taskID string) (domain.Bid, bool) {
	a, ok := m.Get(taskID)
	if !ok {
		return domain.Bid{}, false
	}
	wasClosed := a.Closed()
	winner, found := a.close()
	if !wasClosed {
		if found {
			m.logger.Info("auction closed",
				zap.String("task_id", taskID),
				zap.String("winner", winner.AgentID),
				zap.Int64("bid_sats", winner.BidSats),
				zap.Int("bids", len(a.Bids())),
			)
		} else {
			m.logger.Info("auction closed without bids", zap.String("task_id", taskID))
		}
	}
	return winner, found
}

// CloseAfter waits out window and then closes. A zero window only yields the
// processor once so bids already in flight on this process can land. If ctx
// ends first the auction is closed early and ctx's error is returned along
// with the winner so far.
func (m *Manager) CloseAfter(ctx context.Context, taskID string, window time.Duration) (domain.Bid, bool, error) {
	var waitErr error
	if window <= 0 {
		runtime.Gosched()
	} else {
		timer := time.NewTimer(window)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			waitErr = ctx.Err()
		}
	}
	winner, ok := m.Close(taskID)
	return winner, ok, waitErr
}

// Run opens an auction, waits the manager's window and closes it.
func (m *Manager) Run(ctx context.Context, taskID string) (domain.Bid, bool, error) {
	m.Open(taskID)
	return m.CloseAfter(ctx, taskID, m.window)
}

func (m *Manager) Get(taskID string) (*Auction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.auctions[taskID]
	return a, ok
}

// ActiveAuctions lists task ids whose auctions are still open, sorted.
func (m *Manager) ActiveAuctions() []string {
	m.mu.Lock()
	all := make([]*Auction, 0, len(m.auctions))
	for _, a := range m.auctions {
		all = append(all, a)
	}
	m.mu.Unlock()

	active := make([]string, 0)
	for _, a := range all {
		if !a.Closed() {
			active = append(active, a.TaskID)
		}
	}
	sort.Strings(active)
	return active
}
