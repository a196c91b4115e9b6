package trade

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	yerrors "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"

	"main/internal/model"
	"main/internal/model/enum"
)

// Ledger appends closed trades to a per-day JSONL file and, when a
// database is configured, mirrors each row into Postgres. The file is
// the source of truth: a database failure degrades to a warning.
type Ledger struct {
	dir string
	db  *gorm.DB

	mu sync.Mutex
}

// ledgerEntry is the JSONL row shape. Decimals marshal as strings so
// the ledger survives tools that parse floats lossily.
type ledgerEntry struct {
	ID            string `json:"id"`
	Pair          string `json:"pair"`
	Direction     string `json:"direction"`
	EntryPrice    string `json:"entry_price"`
	ExitPrice     string `json:"exit_price"`
	StopLoss      string `json:"stop_loss"`
	TakeProfit    string `json:"take_profit"`
	Quantity      string `json:"quantity"`
	Leverage      int    `json:"leverage"`
	PnL           string `json:"pnl"`
	CapitalBefore string `json:"capital_before"`
	CapitalAfter  string `json:"capital_after"`
	OpenedAt      string `json:"opened_at"`
	ClosedAt      string `json:"closed_at"`
	DurationSecs  int64  `json:"duration_secs"`
}

// LedgerRow is the database mirror of a ledger entry.
type LedgerRow struct {
	ID            string    `gorm:"primaryKey"`
	Pair          string    `gorm:"index"`
	Direction     string
	EntryPrice    string
	ExitPrice     string
	StopLoss      string
	TakeProfit    string
	Quantity      string
	Leverage      int
	PnL           string
	CapitalBefore string
	CapitalAfter  string
	OpenedAt      time.Time
	ClosedAt      time.Time `gorm:"index"`
	DurationSecs  int64
}

func (LedgerRow) TableName() string { return "trades" }

// NewLedger creates the ledger directory and, if db is non-nil,
// migrates the mirror table.
func NewLedger(dir string, db *gorm.DB) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, yerrors.Wrap(err, "create ledger directory")
	}
	if db != nil {
		if err := db.AutoMigrate(&LedgerRow{}); err != nil {
			return nil, yerrors.Wrap(err, "migrate trades table")
		}
	}
	return &Ledger{dir: dir, db: db}, nil
}

// Record persists one closed trade. The JSONL append is durable
// before Record returns.
func (l *Ledger) Record(ctx context.Context, result model.TradeResult) error {
	entry := ledgerEntry{
		ID:            result.ID,
		Pair:          result.Pair,
		Direction:     string(result.Direction),
		EntryPrice:    result.EntryPrice.String(),
		ExitPrice:     result.ExitPrice.String(),
		StopLoss:      result.StopLoss.String(),
		TakeProfit:    result.TakeProfit.String(),
		Quantity:      result.Quantity.String(),
		Leverage:      result.Leverage,
		PnL:           result.PnL.String(),
		CapitalBefore: result.CapitalBefore.String(),
		CapitalAfter:  result.CapitalAfter.String(),
		OpenedAt:      result.OpenedAt.UTC().Format(time.RFC3339),
		ClosedAt:      result.ClosedAt.UTC().Format(time.RFC3339),
		DurationSecs:  int64(result.Duration / time.Second),
	}

	if err := l.append(result.ClosedAt, entry); err != nil {
		return err
	}

	if l.db != nil {
		row := LedgerRow{
			ID:            entry.ID,
			Pair:          entry.Pair,
			Direction:     entry.Direction,
			EntryPrice:    entry.EntryPrice,
			ExitPrice:     entry.ExitPrice,
			StopLoss:      entry.StopLoss,
			TakeProfit:    entry.TakeProfit,
			Quantity:      entry.Quantity,
			Leverage:      entry.Leverage,
			PnL:           entry.PnL,
			CapitalBefore: entry.CapitalBefore,
			CapitalAfter:  entry.CapitalAfter,
			OpenedAt:      result.OpenedAt.UTC(),
			ClosedAt:      result.ClosedAt.UTC(),
			DurationSecs:  entry.DurationSecs,
		}
		if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
			logs.Warnf("trade db mirror failed for %s: %v", entry.ID, err)
		}
	}
	return nil
}

func (l *Ledger) append(closedAt time.Time, entry ledgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := filepath.Join(l.dir, closedAt.UTC().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return yerrors.Wrap(err, "open ledger file")
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return yerrors.Wrap(err, "encode ledger entry")
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return yerrors.Wrap(err, "append ledger entry")
	}
	if err := f.Sync(); err != nil {
		logs.Warnf("fsync ledger file %s: %v", path, err)
	}
	return nil
}

// ReadDay returns the entries recorded on the given UTC day. Used by
// the status command and tests.
func (l *Ledger) ReadDay(day time.Time) ([]model.TradeResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := filepath.Join(l.dir, day.UTC().Format("2006-01-02")+".jsonl")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, yerrors.Wrap(err, "read ledger file")
	}
	return decodeEntries(raw)
}

func decodeEntries(raw []byte) ([]model.TradeResult, error) {
	var out []model.TradeResult
	for _, line := range bytes.Split(raw, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var entry ledgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, yerrors.Wrap(err, "decode ledger entry")
		}
		result, err := entry.toResult()
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	return out, nil
}

func (e ledgerEntry) toResult() (model.TradeResult, error) {
	var firstErr error
	dec := func(name, s string) decimal.Decimal {
		d, err := decimal.NewFromString(s)
		if err != nil && firstErr == nil {
			firstErr = yerrors.Wrap(err, "parse ledger entry").With("field", name)
		}
		return d
	}
	stamp := func(name, s string) time.Time {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil && firstErr == nil {
			firstErr = yerrors.Wrap(err, "parse ledger entry").With("field", name)
		}
		return t
	}

	result := model.TradeResult{
		TradeRecord: model.TradeRecord{
			ID:            e.ID,
			Pair:          e.Pair,
			Direction:     enum.Direction(e.Direction),
			EntryPrice:    dec("entry_price", e.EntryPrice),
			StopLoss:      dec("stop_loss", e.StopLoss),
			TakeProfit:    dec("take_profit", e.TakeProfit),
			Quantity:      dec("quantity", e.Quantity),
			Leverage:      e.Leverage,
			CapitalBefore: dec("capital_before", e.CapitalBefore),
			Status:        enum.TradeStatusClosed,
			OpenedAt:      stamp("opened_at", e.OpenedAt),
		},
		ExitPrice:    dec("exit_price", e.ExitPrice),
		PnL:          dec("pnl", e.PnL),
		CapitalAfter: dec("capital_after", e.CapitalAfter),
		ClosedAt:     stamp("closed_at", e.ClosedAt),
		Duration:     time.Duration(e.DurationSecs) * time.Second,
	}
	return result, firstErr
}
