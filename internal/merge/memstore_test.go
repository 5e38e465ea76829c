package merge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tradesync/internal/domain"
	"tradesync/internal/ports"
)

// memStore is an in-memory TradeStore with snapshot rollback.
type memStore struct {
	mu         sync.Mutex
	trades     map[int64]*domain.RoundTripTrade
	nextID     int64
	nextExitID int64
	snapshot   map[int64]*domain.RoundTripTrade
	txCount    int

	// beforeCreate runs once, before the next CreateTrade, to simulate a concurrent writer.
	beforeCreate func(s *memStore)
}

func newMemStore() *memStore {
	return &memStore{trades: make(map[int64]*domain.RoundTripTrade)}
}

// seed inserts a committed trade, surviving any rollback in progress.
func (s *memStore) seed(t *domain.RoundTripTrade) *domain.RoundTripTrade {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := t.Clone()
	s.nextID++
	c.ID = s.nextID
	for i := range c.PartialExits {
		s.nextExitID++
		c.PartialExits[i].ID = s.nextExitID
		c.PartialExits[i].TradeID = c.ID
	}
	s.trades[c.ID] = c
	if s.snapshot != nil {
		s.snapshot[c.ID] = c.Clone()
	}
	return c.Clone()
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trades)
}

func (s *memStore) FindTradeBySignature(ctx context.Context, userID, signature string) (*domain.RoundTripTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.trades {
		if t.UserID == userID && t.Signature == signature {
			return t.Clone(), nil
		}
	}
	return nil, nil
}

func (s *memStore) FindTradesOnDate(ctx context.Context, userID, accountID, symbol string, date time.Time) ([]*domain.RoundTripTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := date.UTC().Format("2006-01-02")
	var out []*domain.RoundTripTrade
	for _, t := range s.trades {
		if t.UserID == userID && t.AccountID == accountID && strings.EqualFold(t.Symbol, symbol) &&
			t.OpenedAt.UTC().Format("2006-01-02") == day {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) FindTradeByImportHash(ctx context.Context, userID, importHash string) (*domain.RoundTripTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.trades {
		if t.UserID == userID && t.ImportHash != "" && t.ImportHash == importHash {
			return t.Clone(), nil
		}
	}
	return nil, nil
}

func (s *memStore) CreateTrade(ctx context.Context, trade *domain.RoundTripTrade) (int64, error) {
	if hook := s.beforeCreate; hook != nil {
		s.beforeCreate = nil
		hook(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.trades {
		if t.UserID == trade.UserID && t.Signature == trade.Signature {
			return 0, fmt.Errorf("insert trade: %w", ports.ErrDuplicateEntry)
		}
	}
	c := trade.Clone()
	c.PartialExits = nil
	s.nextID++
	c.ID = s.nextID
	s.trades[c.ID] = c
	return c.ID, nil
}

func (s *memStore) UpdateTrade(ctx context.Context, trade *domain.RoundTripTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.trades[trade.ID]
	if !ok {
		return ports.ErrNotFound
	}
	c := trade.Clone()
	c.PartialExits = cur.PartialExits
	s.trades[trade.ID] = c
	return nil
}

func (s *memStore) CreatePartialExit(ctx context.Context, tradeID int64, exit *domain.PartialExit) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[tradeID]
	if !ok {
		return 0, ports.ErrNotFound
	}
	s.nextExitID++
	e := *exit
	e.ID = s.nextExitID
	e.TradeID = tradeID
	t.PartialExits = append(t.PartialExits, e)
	return e.ID, nil
}

func (s *memStore) ListTrades(ctx context.Context, userID string) ([]*domain.RoundTripTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.RoundTripTrade
	for _, t := range s.trades {
		if t.UserID == userID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context, store ports.TradeStore) error) error {
	s.mu.Lock()
	s.txCount++
	s.snapshot = make(map[int64]*domain.RoundTripTrade, len(s.trades))
	for id, t := range s.trades {
		s.snapshot[id] = t.Clone()
	}
	s.mu.Unlock()

	err := fn(ctx, s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.trades = s.snapshot
	}
	s.snapshot = nil
	return err
}
