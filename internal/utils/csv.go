package utils

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"tradesync/internal/domain"
	"tradesync/internal/ports"
)

// FillsHeader is the column layout ReadFillsCSV expects. Column order is free;
// fee and account_id may be omitted.
var FillsHeader = []string{"id", "account_id", "symbol", "side", "quantity", "price", "time", "fee"}

var tradesHeader = []string{
	"account_id", "symbol", "direction", "opened_at", "closed_at", "entry_price", "exit_price",
	"quantity", "realized_pnl", "fees", "partial_exits", "source",
}

// ReadFillsFile opens filename and reads it with ReadFillsCSV.
func ReadFillsFile(filename, defaultAccount string) ([]domain.Fill, []*ports.ReconstructionAnomaly, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()
	return ReadFillsCSV(file, defaultAccount)
}

// ReadFillsCSV parses fills from CSV with a header row. Rows that cannot be
// parsed are reported as invalid_fill anomalies and skipped. Times are RFC3339
// or Unix milliseconds.
func ReadFillsCSV(r io.Reader, defaultAccount string) ([]domain.Fill, []*ports.ReconstructionAnomaly, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"id", "symbol", "side", "quantity", "price", "time"} {
		if _, ok := cols[required]; !ok {
			return nil, nil, fmt.Errorf("missing column %q: %w", required, ports.ErrInvalidRequest)
		}
	}

	var fills []domain.Fill
	var anomalies []*ports.ReconstructionAnomaly
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return fills, anomalies, fmt.Errorf("line %d: %w", line, err)
		}
		get := func(col string) string {
			i, ok := cols[col]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		account := get("account_id")
		if account == "" {
			account = defaultAccount
		}
		fill, perr := parseFill(get("id"), account, get)
		if perr != nil {
			anomalies = append(anomalies, &ports.ReconstructionAnomaly{
				Kind:      ports.AnomalyInvalidFill,
				AccountID: account,
				Symbol:    get("symbol"),
				FillID:    get("id"),
				Detail:    fmt.Sprintf("line %d: %v", line, perr),
			})
			continue
		}
		fills = append(fills, fill)
	}
	return fills, anomalies, nil
}

func parseFill(id, account string, get func(string) string) (domain.Fill, error) {
	side, ok := domain.ParseSide(get("side"))
	if !ok {
		return domain.Fill{}, fmt.Errorf("unknown side %q", get("side"))
	}
	qty, err := strconv.ParseFloat(get("quantity"), 64)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("bad quantity: %w", err)
	}
	price, err := strconv.ParseFloat(get("price"), 64)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("bad price: %w", err)
	}
	ts, err := parseTime(get("time"))
	if err != nil {
		return domain.Fill{}, err
	}
	var fee float64
	if raw := get("fee"); raw != "" {
		if fee, err = strconv.ParseFloat(raw, 64); err != nil {
			return domain.Fill{}, fmt.Errorf("bad fee: %w", err)
		}
	}
	return domain.NewFill(id, account, strings.ToUpper(get("symbol")), side, qty, price, ts, fee), nil
}

func parseTime(raw string) (time.Time, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad time %q", raw)
	}
	return ts.UTC(), nil
}

// WriteTradesToCSV writes round trips to filename, one row per trade.
func WriteTradesToCSV(trades []*domain.RoundTripTrade, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()
	return WriteTradesCSV(file, trades)
}

// WriteTradesCSV writes round trips with a header row.
func WriteTradesCSV(w io.Writer, trades []*domain.RoundTripTrade) error {
	writer := csv.NewWriter(w)

	// Write header
	if err := writer.Write(tradesHeader); err != nil {
		return err
	}

	for _, t := range trades {
		err := writer.Write([]string{
			t.AccountID,
			t.Symbol,
			string(t.Direction),
			t.OpenedAt.UTC().Format(time.RFC3339Nano),
			t.ClosedAt.UTC().Format(time.RFC3339Nano),
			formatFloat(t.EntryPrice),
			formatFloat(t.ExitPrice),
			formatFloat(t.Quantity),
			formatFloat(t.RealizedPnL),
			formatFloat(t.Fees),
			strconv.Itoa(len(t.PartialExits)),
			string(t.Source),
		})
		if err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
