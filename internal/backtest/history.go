package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yerrors "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/model"
)

// Source fetches historical candles for a range.
type Source interface {
	Fetch(ctx context.Context, pair, timeframe string, start, end time.Time) ([]model.Candle, error)
}

// SliceSource serves candles from memory, filtered to the requested
// range. Used for offline runs and tests.
type SliceSource []model.Candle

func (s SliceSource) Fetch(_ context.Context, _, _ string, start, end time.Time) ([]model.Candle, error) {
	startMS := start.UnixMilli()
	endMS := end.UnixMilli()
	var out []model.Candle
	for _, c := range s {
		if c.Timestamp >= startMS && c.Timestamp < endMS {
			out = append(out, c)
		}
	}
	return out, nil
}

// History caches fetched candle ranges as JSON files so repeated
// backtests over the same window skip the network.
type History struct {
	dir    string
	source Source
}

// NewHistory creates the cache directory.
func NewHistory(dir string, source Source) (*History, error) {
	if source == nil {
		return nil, fmt.Errorf("backtest: nil candle source")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, yerrors.Wrap(err, "create history cache directory")
	}
	return &History{dir: dir, source: source}, nil
}

// Load returns the candles for [start, end), serving from the cache
// when a file for the exact range exists. A corrupt cache file is
// deleted and refetched.
func (h *History) Load(ctx context.Context, pair, timeframe string, start, end time.Time) ([]model.Candle, error) {
	path := h.cachePath(pair, timeframe, start, end)

	if raw, err := os.ReadFile(path); err == nil {
		var candles []model.Candle
		if jerr := json.Unmarshal(raw, &candles); jerr == nil {
			logs.Infof("history cache hit, %d candles from %s", len(candles), path)
			return candles, nil
		}
		logs.Warnf("corrupt history cache %s, refetching", path)
		_ = os.Remove(path)
	} else if !os.IsNotExist(err) {
		return nil, yerrors.Wrap(err, "read history cache")
	}

	candles, err := h.source.Fetch(ctx, pair, timeframe, start, end)
	if err != nil {
		return nil, yerrors.Wrap(err, "fetch candles")
	}
	if len(candles) == 0 {
		logs.Warnf("no candles for %s %s in range, cache not written", pair, timeframe)
		return nil, nil
	}

	if err := h.writeCache(path, candles); err != nil {
		logs.Warnf("write history cache: %v", err)
	}
	return candles, nil
}

func (h *History) writeCache(path string, candles []model.Candle) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(candles)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	logs.Infof("cached %d candles in %s", len(candles), path)
	return nil
}

func (h *History) cachePath(pair, timeframe string, start, end time.Time) string {
	const stamp = "2006-01-02T150405"
	name := fmt.Sprintf("%s_%s.json", start.UTC().Format(stamp), end.UTC().Format(stamp))
	return filepath.Join(h.dir, strings.ReplaceAll(pair, "/", "_"), timeframe, name)
}
