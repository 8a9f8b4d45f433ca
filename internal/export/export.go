// Package export writes the append-only trade-history CSV: one row per
// closed position, flushed as each position closes so a crash loses at most
// the in-flight row.
//
// A directory-backed, mutex-protected writer opened once at startup and
// driven by the strategy layer on every position event. No third-party CSV
// writer appears anywhere in the example corpus, so this is the one ambient
// component built on the standard library (see DESIGN.md).
package export

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"kernel/pkg/types"
)

var header = []string{
	"account", "brokerage", "symbol_name", "symbol_code", "side",
	"open_time", "close_time", "quantity", "average_entry", "average_exit",
	"booked_pnl", "pnl_currency", "tag",
}

// Exporter appends closed-position rows to a single CSV file for the
// lifetime of one kernel run.
type Exporter struct {
	mu     sync.Mutex
	file   *os.File
	csv    *csv.Writer
	logger *slog.Logger
}

// New opens {dir}/{mode}_Results_{brokerage}_{account}_{YYYYMMDD_HHMM}.csv,
// writing the header row if the file is new. now fixes the timestamp in the
// file name for the life of the run.
func New(dir string, mode types.Mode, brokerage, accountID string, now time.Time, logger *slog.Logger) (*Exporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create dir: %w", err)
	}

	name := fmt.Sprintf("%s_Results_%s_%s_%s.csv", mode, brokerage, accountID, now.Format("20060102_1504"))
	path := filepath.Join(dir, name)

	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("export: open %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("export: write header: %w", err)
		}
		w.Flush()
	}

	return &Exporter{
		file:   f,
		csv:    w,
		logger: logger.With("component", "export", "path", path),
	}, nil
}

// WriteClosedPosition appends one row for pos, which must have IsClosed
// set. pnlCurrency is the symbol's booking currency (the Ledger Service
// tracks P&L per account currency, not on the Position itself). The write
// is flushed immediately so a crash loses at most the next in-flight row,
// not prior ones.
func (e *Exporter) WriteClosedPosition(pos types.Position, pnlCurrency types.Currency) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	closeTime := ""
	if pos.CloseTime != nil {
		closeTime = pos.CloseTime.UTC().Format(time.RFC3339)
	}
	exitPrice := ""
	if pos.AverageExitPrice != nil {
		exitPrice = pos.AverageExitPrice.String()
	}

	row := []string{
		pos.Account.AccountID, pos.Account.Brokerage, string(pos.SymbolName), string(pos.SymbolCode),
		string(pos.Side), pos.OpenTime.UTC().Format(time.RFC3339), closeTime,
		pos.QuantityClosed.String(), pos.AveragePrice.String(), exitPrice,
		pos.BookedPnL.String(), string(pnlCurrency), pos.Tag,
	}
	if err := e.csv.Write(row); err != nil {
		return fmt.Errorf("export: write row: %w", err)
	}
	e.csv.Flush()
	if err := e.csv.Error(); err != nil {
		return fmt.Errorf("export: flush: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (e *Exporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.csv.Flush()
	return e.file.Close()
}
