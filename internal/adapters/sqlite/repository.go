package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pressly/goose/v3"

	"tradesync/internal/domain"
	"tradesync/internal/ports"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its dialect and base FS in package globals.
var migrateMu sync.Mutex

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Repository implements ports.TradeStore using SQLite.
type Repository struct {
	db     *sql.DB
	q      querier
	inTx   bool
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository opens the database, applies migrations and returns a store.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/tradesync.db"
	}
	ctx := context.Background()

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(ctx, err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(ctx, err, "SQLite repository initialization failed")
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(ctx, err, "SQLite repository initialization failed")
		return nil, err
	}

	// One connection: SQLite serializes writers anyway and a transaction must own it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := migrate(ctx, db); err != nil {
		db.Close()
		err = fmt.Errorf("failed to migrate database schema: %w", err)
		cfg.Logger.Error(ctx, err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(ctx, "SQLite trade store ready", map[string]interface{}{"path": dbPath})

	return &Repository{db: db, q: db, logger: cfg.Logger}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil && !r.inTx {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// WithinTx runs fn in one transaction. A nested call joins the outer transaction.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context, store ports.TradeStore) error) error {
	if r.inTx {
		return fn(ctx, r)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w: %w", ports.ErrDBConnection, err)
	}
	txRepo := &Repository{db: r.db, q: tx, inTx: true, logger: r.logger}

	if err := fn(ctx, txRepo); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.logger.Error(ctx, rbErr, "Failed to roll back transaction")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w: %w", ports.ErrUpdateFailed, err)
	}
	return nil
}

const tradeColumns = `
	id, user_id, account_id, symbol, direction, opened_at, closed_at,
	entry_price, exit_price, quantity, realized_pnl, fees, has_partial_exits,
	mae, mfe, notes, source, trade_signature, import_hash, created_at, updated_at`

// CreateTrade saves a new trade row. Partial exits are saved with CreatePartialExit.
func (r *Repository) CreateTrade(ctx context.Context, trade *domain.RoundTripTrade) (int64, error) {
	const query = `
	INSERT INTO trades (user_id, account_id, symbol, direction, opened_at, opened_date, closed_at,
	                    entry_price, exit_price, quantity, realized_pnl, fees, has_partial_exits,
	                    mae, mfe, notes, source, trade_signature, import_hash, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = now
	}
	if trade.UpdatedAt.IsZero() {
		trade.UpdatedAt = now
	}

	result, err := r.q.ExecContext(ctx, query,
		trade.UserID, nullString(trade.AccountID), trade.Symbol, string(trade.Direction),
		formatTime(trade.OpenedAt), openedDate(trade.OpenedAt), formatTime(trade.ClosedAt),
		trade.EntryPrice, trade.ExitPrice, trade.Quantity, trade.RealizedPnL, trade.Fees, trade.HasPartialExits,
		nullFloat(trade.MaxAdverseExcursion), nullFloat(trade.MaxFavorableExcursion), nullStringPtr(trade.Notes),
		string(trade.Source), trade.Signature, nullString(trade.ImportHash),
		formatTime(trade.CreatedAt), formatTime(trade.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("trade %s signature %s: %w", trade.Symbol, trade.Signature, ports.ErrDuplicateEntry)
		}
		return 0, fmt.Errorf("failed to insert trade for symbol %s: %w: %w", trade.Symbol, ports.ErrQueryFailed, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for trade %s: %w", trade.Symbol, err)
	}
	r.logger.Debug(ctx, "Trade created", map[string]interface{}{"tradeID": id, "symbol": trade.Symbol, "pnl": trade.RealizedPnL})
	return id, nil
}

// UpdateTrade rewrites the scalar fields of a trade by ID. The signature is immutable.
func (r *Repository) UpdateTrade(ctx context.Context, trade *domain.RoundTripTrade) error {
	const query = `
	UPDATE trades
	SET account_id = ?, opened_at = ?, opened_date = ?, closed_at = ?, entry_price = ?, exit_price = ?,
	    quantity = ?, realized_pnl = ?, fees = ?, has_partial_exits = ?, mae = ?, mfe = ?, notes = ?,
	    import_hash = ?, updated_at = ?
	WHERE id = ?`

	if trade.UpdatedAt.IsZero() {
		trade.UpdatedAt = time.Now().UTC()
	}
	result, err := r.q.ExecContext(ctx, query,
		nullString(trade.AccountID), formatTime(trade.OpenedAt), openedDate(trade.OpenedAt), formatTime(trade.ClosedAt),
		trade.EntryPrice, trade.ExitPrice, trade.Quantity, trade.RealizedPnL, trade.Fees, trade.HasPartialExits,
		nullFloat(trade.MaxAdverseExcursion), nullFloat(trade.MaxFavorableExcursion), nullStringPtr(trade.Notes),
		nullString(trade.ImportHash), formatTime(trade.UpdatedAt),
		trade.ID)
	if err != nil {
		return fmt.Errorf("failed to update trade ID %d: %w: %w", trade.ID, ports.ErrUpdateFailed, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for update trade ID %d: %w", trade.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("trade ID %d not found for update: %w", trade.ID, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Trade updated", map[string]interface{}{"tradeID": trade.ID, "symbol": trade.Symbol})
	return nil
}

// CreatePartialExit attaches an exit to a trade and returns its ID.
func (r *Repository) CreatePartialExit(ctx context.Context, tradeID int64, exit *domain.PartialExit) (int64, error) {
	const query = `
	INSERT INTO partial_exits (trade_id, exited_at, exit_price, quantity, pnl, fee)
	VALUES (?, ?, ?, ?, ?, ?)`

	result, err := r.q.ExecContext(ctx, query,
		tradeID, formatTime(exit.ExitedAt), exit.ExitPrice, exit.Quantity, exit.PnL, exit.Fee)
	if err != nil {
		return 0, fmt.Errorf("failed to insert partial exit for trade ID %d: %w: %w", tradeID, ports.ErrQueryFailed, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for partial exit of trade %d: %w", tradeID, err)
	}
	return id, nil
}

// FindTradeBySignature returns the trade with the given signature, or nil if none exists.
func (r *Repository) FindTradeBySignature(ctx context.Context, userID, signature string) (*domain.RoundTripTrade, error) {
	query := `SELECT` + tradeColumns + ` FROM trades WHERE user_id = ? AND trade_signature = ?`
	return r.findOne(ctx, query, userID, signature)
}

// FindTradeByImportHash returns the trade created from an identical import, or nil.
func (r *Repository) FindTradeByImportHash(ctx context.Context, userID, importHash string) (*domain.RoundTripTrade, error) {
	if importHash == "" {
		return nil, nil
	}
	query := `SELECT` + tradeColumns + ` FROM trades WHERE user_id = ? AND import_hash = ? ORDER BY id LIMIT 1`
	return r.findOne(ctx, query, userID, importHash)
}

// FindTradesOnDate returns the user's trades in symbol opened on date's UTC day.
// An empty accountID matches only trades without an account.
func (r *Repository) FindTradesOnDate(ctx context.Context, userID, accountID, symbol string, date time.Time) ([]*domain.RoundTripTrade, error) {
	query := `SELECT` + tradeColumns + `
	FROM trades
	WHERE user_id = ? AND symbol = ? COLLATE NOCASE AND opened_date = ? AND COALESCE(account_id, '') = ?
	ORDER BY id`
	return r.findMany(ctx, query, userID, symbol, openedDate(date), accountID)
}

// ListTrades returns all of a user's trades, oldest first.
func (r *Repository) ListTrades(ctx context.Context, userID string) ([]*domain.RoundTripTrade, error) {
	query := `SELECT` + tradeColumns + ` FROM trades WHERE user_id = ? ORDER BY opened_at, id`
	return r.findMany(ctx, query, userID)
}

func (r *Repository) findOne(ctx context.Context, query string, args ...interface{}) (*domain.RoundTripTrade, error) {
	trade, err := scanTrade(r.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query trade: %w: %w", ports.ErrQueryFailed, err)
	}
	if err := r.loadExits(ctx, []*domain.RoundTripTrade{trade}); err != nil {
		return nil, err
	}
	return trade, nil
}

func (r *Repository) findMany(ctx context.Context, query string, args ...interface{}) ([]*domain.RoundTripTrade, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w: %w", ports.ErrQueryFailed, err)
	}

	trades := make([]*domain.RoundTripTrade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, trade)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}

	// Rows must be closed first: the pool has a single connection.
	if err := r.loadExits(ctx, trades); err != nil {
		return nil, err
	}
	return trades, nil
}

func (r *Repository) loadExits(ctx context.Context, trades []*domain.RoundTripTrade) error {
	if len(trades) == 0 {
		return nil
	}
	byID := make(map[int64]*domain.RoundTripTrade, len(trades))
	placeholders := make([]string, 0, len(trades))
	args := make([]interface{}, 0, len(trades))
	for _, t := range trades {
		byID[t.ID] = t
		placeholders = append(placeholders, "?")
		args = append(args, t.ID)
	}

	query := `
	SELECT id, trade_id, exited_at, exit_price, quantity, pnl, fee
	FROM partial_exits
	WHERE trade_id IN (` + strings.Join(placeholders, ",") + `)
	ORDER BY trade_id, exited_at, id`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query partial exits: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	for rows.Next() {
		var pe domain.PartialExit
		var exitedAt string
		if err := rows.Scan(&pe.ID, &pe.TradeID, &exitedAt, &pe.ExitPrice, &pe.Quantity, &pe.PnL, &pe.Fee); err != nil {
			return fmt.Errorf("failed to scan partial exit: %w", err)
		}
		if pe.ExitedAt, err = parseTime(exitedAt); err != nil {
			return err
		}
		if t, ok := byID[pe.TradeID]; ok {
			t.PartialExits = append(t.PartialExits, pe)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating partial exit rows: %w", err)
	}
	return nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanTrade scans a row selected with tradeColumns.
func scanTrade(s scanner) (*domain.RoundTripTrade, error) {
	t := &domain.RoundTripTrade{}
	var (
		accountID, notes, importHash sql.NullString
		mae, mfe                     sql.NullFloat64
		direction, source            string
		openedAt, closedAt           string
		createdAt, updatedAt         string
	)
	err := s.Scan(
		&t.ID, &t.UserID, &accountID, &t.Symbol, &direction, &openedAt, &closedAt,
		&t.EntryPrice, &t.ExitPrice, &t.Quantity, &t.RealizedPnL, &t.Fees, &t.HasPartialExits,
		&mae, &mfe, &notes, &source, &t.Signature, &importHash, &createdAt, &updatedAt)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}

	t.AccountID = accountID.String
	t.ImportHash = importHash.String
	t.Direction = domain.Direction(direction)
	t.Source = domain.TradeSource(source)
	if mae.Valid {
		v := mae.Float64
		t.MaxAdverseExcursion = &v
	}
	if mfe.Valid {
		v := mfe.Float64
		t.MaxFavorableExcursion = &v
	}
	if notes.Valid {
		v := notes.String
		t.Notes = &v
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&t.OpenedAt, openedAt},
		{&t.ClosedAt, closedAt},
		{&t.CreatedAt, createdAt},
		{&t.UpdatedAt, updatedAt},
	} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func openedDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
