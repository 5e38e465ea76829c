package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tradesync/internal/domain"
	"tradesync/internal/merge"
	"tradesync/internal/ports"
)

// AdapterSource resolves provider adapters by name.
type AdapterSource interface {
	Get(provider string) (ports.ProviderAdapter, error)
}

// TradeMerger persists candidate round trips idempotently.
type TradeMerger interface {
	CreateOrMerge(ctx context.Context, userID string, candidate *domain.RoundTripTrade) (*merge.Result, error)
}

// SyncRequest asks for one user's trades from one provider.
type SyncRequest struct {
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	AccountID string    `json:"account_id,omitempty"` // Empty syncs every account
	Since     time.Time `json:"since,omitempty"`      // Zero syncs all history
}

// Sync stages reported in SyncError.
const (
	StageRequest      = "request"
	StageCredentials  = "credentials"
	StageAuthenticate = "authenticate"
	StageAccounts     = "accounts"
	StageFetch        = "fetch"
	StageMerge        = "merge"
)

// SyncError is one failure recorded during a sync run.
type SyncError struct {
	Stage     string `json:"stage"`
	AccountID string `json:"account_id,omitempty"`
	Symbol    string `json:"symbol,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// AccountResult summarises one account of a run.
type AccountResult struct {
	AccountID     string `json:"account_id"`
	Fills         int    `json:"fills"`
	Trades        int    `json:"trades"`
	OpenPositions int    `json:"open_positions"`
	Created       int    `json:"created"`
	Updated       int    `json:"updated"`
	Skipped       int    `json:"skipped"`
	Errored       int    `json:"errored"`
	Failed        bool   `json:"failed"`
}

// SyncResult is the outcome of one SyncProvider run.
type SyncResult struct {
	RunID      string                         `json:"run_id"`
	UserID     string                         `json:"user_id"`
	Provider   string                         `json:"provider"`
	StartedAt  time.Time                      `json:"started_at"`
	FinishedAt time.Time                      `json:"finished_at"`
	Accounts   []AccountResult                `json:"accounts"`
	Created    int                            `json:"created"`
	Updated    int                            `json:"updated"`
	Skipped    int                            `json:"skipped"`
	Errored    int                            `json:"errored"`
	Annotated  int                            `json:"annotated"`
	Anomalies  []*ports.ReconstructionAnomaly `json:"anomalies,omitempty"`
	Errors     []SyncError                    `json:"errors,omitempty"`
}

// Failed reports whether the run could not sync at least one account.
func (r *SyncResult) Failed() bool {
	for _, e := range r.Errors {
		if e.Stage != StageMerge {
			return true
		}
	}
	return false
}

func (r *SyncResult) addError(stage, accountID string, err error) {
	r.Errors = append(r.Errors, SyncError{
		Stage:     stage,
		AccountID: accountID,
		Message:   err.Error(),
		Retryable: ports.IsRetryable(err),
	})
}

// SyncService orchestrates fetch, reconstruction and merge for provider accounts.
type SyncService struct {
	adapters    AdapterSource
	vault       ports.CredentialVault
	merger      TradeMerger
	annotator   ports.TradeAnnotator
	events      ports.EventSink
	logger      ports.Logger
	concurrency int
	now         func() time.Time
	newRunID    func() string
}

// SyncServiceConfig wires a SyncService. Annotator and Events are optional.
type SyncServiceConfig struct {
	Adapters    AdapterSource
	Vault       ports.CredentialVault
	Merger      TradeMerger
	Annotator   ports.TradeAnnotator
	Events      ports.EventSink
	Logger      ports.Logger
	Concurrency int
	Now         func() time.Time
}

// NewSyncService creates a new sync service instance.
func NewSyncService(cfg SyncServiceConfig) (*SyncService, error) {
	// Validate dependencies
	if cfg.Adapters == nil || cfg.Vault == nil || cfg.Merger == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for SyncService")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SyncService{
		adapters:    cfg.Adapters,
		vault:       cfg.Vault,
		merger:      cfg.Merger,
		annotator:   cfg.Annotator,
		events:      cfg.Events,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
		now:         cfg.Now,
		newRunID:    func() string { return uuid.NewString() },
	}, nil
}

// SyncProvider syncs one user's accounts at one provider. Request-level
// problems (missing fields, unknown provider, cancellation) are returned as an
// error; credential, account and merge failures are recorded in the result.
func (s *SyncService) SyncProvider(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	if req.UserID == "" || req.Provider == "" {
		return nil, fmt.Errorf("sync: %w: user id and provider are required", ports.ErrInvalidRequest)
	}
	adapter, err := s.adapters.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	res := &SyncResult{
		RunID:     s.newRunID(),
		UserID:    req.UserID,
		Provider:  req.Provider,
		StartedAt: s.now(),
	}
	fields := map[string]interface{}{"runID": res.RunID, "userID": req.UserID, "provider": req.Provider}
	s.logger.Info(ctx, "Starting provider sync", fields)

	defer func() {
		res.FinishedAt = s.now()
		s.complete(ctx, res)
	}()

	creds, err := s.vault.Credentials(ctx, req.UserID, req.Provider)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to load credentials", fields)
		res.addError(StageCredentials, "", err)
		return res, nil
	}

	auth, err := adapter.Authenticate(ctx, req.UserID, creds)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		s.logger.Error(ctx, err, "Authentication failed", fields)
		res.addError(StageAuthenticate, "", err)
		return res, nil
	}

	accounts, err := s.accountsFor(ctx, adapter, auth.Token, req.AccountID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		s.logger.Error(ctx, err, "Failed to list accounts", fields)
		res.addError(StageAccounts, req.AccountID, err)
		return res, nil
	}

	token := auth.Token
	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if token.Expired(s.now()) {
			s.logger.Info(ctx, "Token expired, re-authenticating", fields)
			auth, err = adapter.Authenticate(ctx, req.UserID, creds)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return res, ctxErr
				}
				s.logger.Error(ctx, err, "Re-authentication failed", fields)
				res.addError(StageAuthenticate, account.ID, err)
				return res, nil
			}
			token = auth.Token
		}
		s.syncAccount(ctx, adapter, token, account, req, res)
	}
	return res, ctx.Err()
}

func (s *SyncService) accountsFor(ctx context.Context, adapter ports.ProviderAdapter, token ports.AuthToken, accountID string) ([]domain.Account, error) {
	accounts, err := adapter.GetAccounts(ctx, token)
	if err != nil {
		return nil, err
	}
	if accountID == "" {
		return accounts, nil
	}
	for _, a := range accounts {
		if a.ID == accountID {
			return []domain.Account{a}, nil
		}
	}
	return nil, fmt.Errorf("account %s: %w", accountID, ports.ErrNotFound)
}

// syncAccount fetches and merges one account. Its failures never abort the run.
func (s *SyncService) syncAccount(ctx context.Context, adapter ports.ProviderAdapter, token ports.AuthToken, account domain.Account, req SyncRequest, res *SyncResult) {
	acc := AccountResult{AccountID: account.ID}
	defer func() { res.Accounts = append(res.Accounts, acc) }()

	fields := map[string]interface{}{"runID": res.RunID, "provider": req.Provider, "accountID": account.ID}

	batch, err := adapter.GetTrades(ctx, token, account.ID, req.Since)
	if err != nil {
		acc.Failed = true
		s.logger.Error(ctx, err, "Failed to fetch trades", fields)
		res.addError(StageFetch, account.ID, err)
		return
	}

	acc.Fills = batch.FillCount
	acc.Trades = len(batch.Trades)
	acc.OpenPositions = len(batch.OpenPositions)
	for _, a := range batch.Anomalies {
		s.anomaly(ctx, req.Provider, a, res)
	}

	for _, trade := range batch.Trades {
		if ctx.Err() != nil {
			return
		}
		out, err := s.merger.CreateOrMerge(ctx, req.UserID, trade)
		if err != nil {
			acc.Errored++
			res.Errored++
			s.logger.Error(ctx, err, "Failed to merge trade", map[string]interface{}{
				"runID": res.RunID, "accountID": account.ID, "symbol": trade.Symbol,
			})
			res.Errors = append(res.Errors, SyncError{
				Stage:     StageMerge,
				AccountID: account.ID,
				Symbol:    trade.Symbol,
				Message:   err.Error(),
				Retryable: ports.IsRetryable(err),
			})
			continue
		}
		for _, a := range out.Anomalies {
			s.anomaly(ctx, req.Provider, a, res)
		}
		switch out.Action {
		case merge.ActionCreated:
			acc.Created++
			res.Created++
			if s.annotate(ctx, req.UserID, out.Trade) {
				res.Annotated++
			}
		case merge.ActionUpdated:
			acc.Updated++
			res.Updated++
		default:
			acc.Skipped++
			res.Skipped++
		}
	}

	fields["created"] = acc.Created
	fields["updated"] = acc.Updated
	fields["skipped"] = acc.Skipped
	fields["open"] = acc.OpenPositions
	s.logger.Info(ctx, "Account synced", fields)
}

// annotate asks for a journal note and stores it through the merge path,
// which only fills Notes when it is still empty.
func (s *SyncService) annotate(ctx context.Context, userID string, trade *domain.RoundTripTrade) bool {
	if s.annotator == nil || trade == nil || trade.Notes != nil {
		return false
	}
	note, err := s.annotator.Annotate(ctx, trade)
	if err != nil {
		s.logger.Warn(ctx, "Trade annotation failed", map[string]interface{}{"tradeID": trade.ID, "error": err.Error()})
		return false
	}
	withNote := trade.Clone()
	withNote.Notes = &note
	if _, err := s.merger.CreateOrMerge(ctx, userID, withNote); err != nil {
		s.logger.Warn(ctx, "Failed to store trade note", map[string]interface{}{"tradeID": trade.ID, "error": err.Error()})
		return false
	}
	return true
}

func (s *SyncService) anomaly(ctx context.Context, provider string, a *ports.ReconstructionAnomaly, res *SyncResult) {
	res.Anomalies = append(res.Anomalies, a)
	s.logger.Warn(ctx, "Reconstruction anomaly", map[string]interface{}{
		"runID":     res.RunID,
		"kind":      string(a.Kind),
		"accountID": a.AccountID,
		"symbol":    a.Symbol,
		"fillID":    a.FillID,
		"detail":    a.Detail,
	})
	s.emit(ctx, domain.Event{
		Type:      domain.EventReconstructionAnomaly,
		Provider:  provider,
		AccountID: a.AccountID,
		Symbol:    a.Symbol,
		Message:   a.Detail,
		Fields:    map[string]interface{}{"kind": string(a.Kind), "fill_id": a.FillID, "run_id": res.RunID},
	})
}

func (s *SyncService) complete(ctx context.Context, res *SyncResult) {
	fields := map[string]interface{}{
		"runID":     res.RunID,
		"userID":    res.UserID,
		"provider":  res.Provider,
		"accounts":  len(res.Accounts),
		"created":   res.Created,
		"updated":   res.Updated,
		"skipped":   res.Skipped,
		"errored":   res.Errored,
		"anomalies": len(res.Anomalies),
		"errors":    len(res.Errors),
		"duration":  res.FinishedAt.Sub(res.StartedAt).String(),
	}
	s.logger.Info(ctx, "Provider sync finished", fields)
	s.emit(ctx, domain.Event{
		Type:     domain.EventSyncCompleted,
		Provider: res.Provider,
		Message:  "sync completed",
		Fields: map[string]interface{}{
			"run_id":  res.RunID,
			"created": res.Created,
			"updated": res.Updated,
			"skipped": res.Skipped,
			"errored": res.Errored,
			"errors":  len(res.Errors),
		},
	})
}

func (s *SyncService) emit(ctx context.Context, ev domain.Event) {
	if s.events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	s.events.Emit(ctx, ev)
}

// SyncAll runs the requests concurrently with bounded parallelism. A failing
// request is reported in its own result and never cancels the others. Results
// are returned in request order.
func (s *SyncService) SyncAll(ctx context.Context, reqs []SyncRequest) ([]*SyncResult, error) {
	results := make([]*SyncResult, len(reqs))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := s.SyncProvider(ctx, req)
			if res == nil {
				res = &SyncResult{UserID: req.UserID, Provider: req.Provider}
			}
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				res.addError(StageRequest, req.AccountID, err)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results, ctx.Err()
}
