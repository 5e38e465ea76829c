// Package merge reconciles reconstructed trades against the persisted journal so
// that repeated syncs and imports never create duplicates and never destroy data.
package merge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tradesync/internal/domain"
	"tradesync/internal/ports"
)

// Action is what CreateOrMerge did with a candidate.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionSkipped Action = "skipped"
)

// DefaultPriceTolerance is the relative entry-price distance accepted by the fuzzy lookup.
const DefaultPriceTolerance = 0.005

// Result describes the outcome for one candidate.
type Result struct {
	Action    Action
	Trade     *domain.RoundTripTrade
	Anomalies []*ports.ReconstructionAnomaly
}

// Config tunes matching.
type Config struct {
	PriceTolerance float64 // Relative, e.g. 0.005 for ±0.5%
}

// Engine is the signature and merge engine.
type Engine struct {
	store     ports.TradeStore
	tolerance float64
	logger    ports.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a merge engine over store.
func NewEngine(store ports.TradeStore, cfg Config, logger ports.Logger, opts ...Option) *Engine {
	tol := cfg.PriceTolerance
	if tol <= 0 {
		tol = DefaultPriceTolerance
	}
	e := &Engine{
		store:     store,
		tolerance: tol,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateOrMerge persists candidate as a new trade, merges it into a matching
// trade, or skips it when the match already holds everything it carries.
// The work for one candidate runs in a single store transaction.
func (e *Engine) CreateOrMerge(ctx context.Context, userID string, candidate *domain.RoundTripTrade) (*Result, error) {
	if err := validateCandidate(userID, candidate); err != nil {
		return nil, err
	}

	c := candidate.Clone()
	c.UserID = userID
	c.Signature = Signature(userID, c)
	if c.Source == "" {
		c.Source = domain.SourceBrokerSync
	}

	var res *Result
	run := func(ctx context.Context, store ports.TradeStore) error {
		r, err := e.createOrMerge(ctx, store, c.Clone())
		if err != nil {
			return err
		}
		res = r
		return nil
	}

	err := e.store.WithinTx(ctx, run)
	if errors.Is(err, ports.ErrDuplicateEntry) {
		// A concurrent sync created the same signature between lookup and insert.
		e.debug(ctx, "Signature conflict on create, retrying lookup", c)
		err = e.store.WithinTx(ctx, run)
	}
	if err != nil {
		return nil, fmt.Errorf("create or merge %s: %w", c.Symbol, err)
	}
	return res, nil
}

// Import is CreateOrMerge for one-shot file imports: a candidate whose import
// hash is already stored is skipped before any signature matching.
func (e *Engine) Import(ctx context.Context, userID string, candidate *domain.RoundTripTrade) (*Result, error) {
	if err := validateCandidate(userID, candidate); err != nil {
		return nil, err
	}

	c := candidate.Clone()
	if c.ImportHash == "" {
		c.ImportHash = ImportHash(c)
	}
	if c.Source == "" {
		c.Source = domain.SourceCSVImport
	}

	existing, err := e.store.FindTradeByImportHash(ctx, userID, c.ImportHash)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", c.Symbol, err)
	}
	if existing != nil {
		e.debug(ctx, "Import already present", existing)
		return &Result{Action: ActionSkipped, Trade: existing}, nil
	}
	return e.CreateOrMerge(ctx, userID, c)
}

func (e *Engine) createOrMerge(ctx context.Context, store ports.TradeStore, c *domain.RoundTripTrade) (*Result, error) {
	existing, err := e.findMatch(ctx, store, c)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return e.create(ctx, store, c)
	}

	merged, newExits, anomalies := e.merge(existing, c)
	if merged == nil {
		e.debug(ctx, "Trade already up to date", existing)
		return &Result{Action: ActionSkipped, Trade: existing, Anomalies: anomalies}, nil
	}

	merged.UpdatedAt = e.now().UTC()
	if err := store.UpdateTrade(ctx, merged); err != nil {
		return nil, err
	}
	for i := range newExits {
		exit := newExits[i]
		id, err := store.CreatePartialExit(ctx, merged.ID, &exit)
		if err != nil {
			return nil, err
		}
		for j := range merged.PartialExits {
			if merged.PartialExits[j].ID == 0 && exitKey(merged.PartialExits[j]) == exitKey(exit) {
				merged.PartialExits[j].ID = id
				merged.PartialExits[j].TradeID = merged.ID
				break
			}
		}
	}
	e.debug(ctx, "Merged trade", merged)
	return &Result{Action: ActionUpdated, Trade: merged, Anomalies: anomalies}, nil
}

func (e *Engine) create(ctx context.Context, store ports.TradeStore, c *domain.RoundTripTrade) (*Result, error) {
	now := e.now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.HasPartialExits = len(c.PartialExits) > 1

	id, err := store.CreateTrade(ctx, c)
	if err != nil {
		return nil, err
	}
	c.ID = id
	for i := range c.PartialExits {
		c.PartialExits[i].TradeID = id
		exitID, err := store.CreatePartialExit(ctx, id, &c.PartialExits[i])
		if err != nil {
			return nil, err
		}
		c.PartialExits[i].ID = exitID
	}
	e.debug(ctx, "Created trade", c)
	return &Result{Action: ActionCreated, Trade: c}, nil
}

// findMatch returns the exact signature match, or else the closest same-day
// trade in the same direction whose entry price is within tolerance.
// A candidate with an account also considers trades recorded without one.
func (e *Engine) findMatch(ctx context.Context, store ports.TradeStore, c *domain.RoundTripTrade) (*domain.RoundTripTrade, error) {
	exact, err := store.FindTradeBySignature(ctx, c.UserID, c.Signature)
	if err != nil || exact != nil {
		return exact, err
	}

	day := c.OpenedAt.UTC()
	pool, err := store.FindTradesOnDate(ctx, c.UserID, c.AccountID, c.Symbol, day)
	if err != nil {
		return nil, err
	}
	if c.AccountID != "" {
		unassigned, err := store.FindTradesOnDate(ctx, c.UserID, "", c.Symbol, day)
		if err != nil {
			return nil, err
		}
		pool = append(pool, unassigned...)
	}

	type scored struct {
		trade *domain.RoundTripTrade
		dist  float64
		same  bool
	}
	var hits []scored
	for _, t := range pool {
		if t.Direction != c.Direction || t.EntryPrice <= 0 {
			continue
		}
		dist := math.Abs(t.EntryPrice-c.EntryPrice) / t.EntryPrice
		if dist > e.tolerance+1e-12 {
			continue
		}
		hits = append(hits, scored{trade: t, dist: dist, same: t.AccountID == c.AccountID})
	}
	if len(hits) == 0 {
		return nil, nil
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].same != hits[j].same {
			return hits[i].same
		}
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		return hits[i].trade.ID < hits[j].trade.ID
	})
	return hits[0].trade, nil
}

// merge applies the enrichment rules. It returns nil when nothing changed.
// Existing non-empty values are never replaced by different non-empty values.
func (e *Engine) merge(existing, c *domain.RoundTripTrade) (*domain.RoundTripTrade, []domain.PartialExit, []*ports.ReconstructionAnomaly) {
	m := existing.Clone()
	changed := false
	var anomalies []*ports.ReconstructionAnomaly

	// Timestamps: only replace date-only placeholders with real times.
	openedAt, closedAt := m.OpenedAt, m.ClosedAt
	if domain.IsPlaceholderTime(existing.OpenedAt) && !domain.IsPlaceholderTime(c.OpenedAt) {
		openedAt = c.OpenedAt
	}
	if domain.IsPlaceholderClose(existing.OpenedAt, existing.ClosedAt) && !domain.IsPlaceholderClose(c.OpenedAt, c.ClosedAt) {
		closedAt = c.ClosedAt
	}
	if !closedAt.Before(openedAt) && (!openedAt.Equal(m.OpenedAt) || !closedAt.Equal(m.ClosedAt)) {
		m.OpenedAt, m.ClosedAt = openedAt, closedAt
		changed = true
	}

	// Exits: add what is missing, then recompute the aggregate fields.
	var added []domain.PartialExit
	addFees := true
	switch {
	case len(c.PartialExits) == 0:
	case len(m.PartialExits) == 0:
		if sameQuantity(sumExitQty(c.PartialExits), m.Quantity) {
			// The stored fee total already covers these exits.
			added = append(added, c.PartialExits...)
			addFees = false
		} else {
			anomalies = append(anomalies, &ports.ReconstructionAnomaly{
				Kind:      ports.AnomalyMergeConflict,
				AccountID: m.AccountID,
				Symbol:    m.Symbol,
				Detail: fmt.Sprintf("trade %d has quantity %v but candidate exits sum to %v",
					m.ID, m.Quantity, sumExitQty(c.PartialExits)),
			})
		}
	default:
		have := make(map[string]struct{}, len(m.PartialExits))
		for _, pe := range m.PartialExits {
			have[exitKey(pe)] = struct{}{}
		}
		for _, pe := range c.PartialExits {
			k := exitKey(pe)
			if _, ok := have[k]; ok {
				continue
			}
			have[k] = struct{}{}
			added = append(added, pe)
		}
	}
	if len(added) > 0 {
		for i := range added {
			added[i].ID = 0
			added[i].TradeID = m.ID
			if addFees {
				m.Fees += added[i].Fee
			}
		}
		m.PartialExits = append(m.PartialExits, added...)
		recomputeFromExits(m)
		changed = true
	}

	if m.AccountID == "" && c.AccountID != "" {
		m.AccountID = c.AccountID
		changed = true
	}
	if m.MaxAdverseExcursion == nil && c.MaxAdverseExcursion != nil {
		v := *c.MaxAdverseExcursion
		m.MaxAdverseExcursion = &v
		changed = true
	}
	if m.MaxFavorableExcursion == nil && c.MaxFavorableExcursion != nil {
		v := *c.MaxFavorableExcursion
		m.MaxFavorableExcursion = &v
		changed = true
	}
	if m.Notes == nil && c.Notes != nil {
		v := *c.Notes
		m.Notes = &v
		changed = true
	}
	if m.ImportHash == "" && c.ImportHash != "" {
		m.ImportHash = c.ImportHash
		changed = true
	}

	if !changed {
		return nil, nil, anomalies
	}
	return m, added, anomalies
}

// recomputeFromExits derives exit price, PnL, quantity and close time from the full exit set.
func recomputeFromExits(t *domain.RoundTripTrade) {
	var qty, notional, pnl decimal.Decimal
	closedAt := t.ClosedAt
	for _, pe := range t.PartialExits {
		q := decimal.NewFromFloat(pe.Quantity)
		qty = qty.Add(q)
		notional = notional.Add(decimal.NewFromFloat(pe.ExitPrice).Mul(q))
		pnl = pnl.Add(decimal.NewFromFloat(pe.PnL))
		if pe.ExitedAt.After(closedAt) || domain.IsPlaceholderClose(t.OpenedAt, closedAt) {
			closedAt = pe.ExitedAt
		}
	}
	if qty.IsZero() {
		return
	}
	t.Quantity = qty.InexactFloat64()
	t.ExitPrice = notional.Div(qty).InexactFloat64()
	t.RealizedPnL = pnl.InexactFloat64()
	t.ClosedAt = closedAt
	t.HasPartialExits = len(t.PartialExits) > 1
}

func sumExitQty(exits []domain.PartialExit) float64 {
	var sum decimal.Decimal
	for _, pe := range exits {
		sum = sum.Add(decimal.NewFromFloat(pe.Quantity))
	}
	return sum.InexactFloat64()
}

func sameQuantity(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Abs(b))
}

func validateCandidate(userID string, c *domain.RoundTripTrade) error {
	switch {
	case c == nil:
		return fmt.Errorf("nil candidate: %w", ports.ErrInvalidRequest)
	case userID == "":
		return fmt.Errorf("missing user id: %w", ports.ErrInvalidRequest)
	case c.Symbol == "":
		return fmt.Errorf("missing symbol: %w", ports.ErrInvalidRequest)
	case !(c.Quantity > 0):
		return fmt.Errorf("%s: quantity must be positive: %w", c.Symbol, ports.ErrInvalidRequest)
	case c.ClosedAt.Before(c.OpenedAt):
		return fmt.Errorf("%s: closed before opened: %w", c.Symbol, ports.ErrInvalidRequest)
	case c.Direction != domain.Long && c.Direction != domain.Short:
		return fmt.Errorf("%s: unknown direction %q: %w", c.Symbol, c.Direction, ports.ErrInvalidRequest)
	}
	return nil
}

func (e *Engine) debug(ctx context.Context, msg string, t *domain.RoundTripTrade) {
	if e.logger == nil {
		return
	}
	e.logger.Debug(ctx, msg, map[string]interface{}{
		"tradeID":   t.ID,
		"symbol":    t.Symbol,
		"accountID": t.AccountID,
		"openedAt":  t.OpenedAt,
	})
}
