// Package rates holds the KRW conversion table used to normalize donation
// amounts. The table starts from a static default and can be overridden by
// a JSON file which is hot-reloaded on change.
package rates

import (
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Table is a concurrency-safe currency rate table. The zero value is not
// usable; construct with New.
type Table struct {
	mu       sync.RWMutex
	defaults map[string]float64
	rates    map[string]float64
	file     string
	logger   *slog.Logger
}

// New builds a table seeded with the given defaults. If file is non-empty
// the file is loaded immediately; a missing or invalid file is logged and
// the defaults stay in effect.
func New(defaults map[string]float64, file string, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Table{
		defaults: normalizeTable(defaults),
		file:     file,
		logger:   logger,
	}
	t.rates = t.defaults
	if file != "" {
		if err := t.Reload(); err != nil {
			logger.Warn("rate file load failed, using defaults", "file", file, "err", err)
		}
	}
	return t
}

func normalizeTable(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for code, rate := range in {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code == "" || rate <= 0 {
			continue
		}
		out[code] = rate
	}
	return out
}

// Rate resolves a currency code to its KRW multiplier. Unknown currencies
// resolve to 1.
func (t *Table) Rate(currency string) float64 {
	code := strings.ToUpper(strings.TrimSpace(currency))
	t.mu.RLock()
	defer t.mu.RUnlock()
	if v, ok := t.rates[code]; ok && v > 0 {
		return v
	}
	return 1
}

// Snapshot returns a copy of the active table.
func (t *Table) Snapshot() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]float64, len(t.rates))
	for code, rate := range t.rates {
		out[code] = rate
	}
	return out
}

type rateFile struct {
	Rates map[string]float64 `json:"rates"`
}

// Reload re-reads the rate file and swaps the active table. File entries
// override defaults; currencies absent from the file keep their default.
func (t *Table) Reload() error {
	if t.file == "" {
		return nil
	}
	raw, err := os.ReadFile(t.file)
	if err != nil {
		return errors.Wrap(err, "read rate file")
	}
	var parsed rateFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return errors.Wrap(err, "parse rate file")
	}
	if len(parsed.Rates) == 0 {
		return errors.New("rate file has no rates")
	}

	merged := make(map[string]float64, len(t.defaults)+len(parsed.Rates))
	for code, rate := range t.defaults {
		merged[code] = rate
	}
	for code, rate := range normalizeTable(parsed.Rates) {
		merged[code] = rate
	}

	t.mu.Lock()
	t.rates = merged
	t.mu.Unlock()

	t.logger.Info("currency rates reloaded", "file", t.file, "currencies", len(merged))
	return nil
}
