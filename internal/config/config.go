package config

import (
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Store    StoreConfig
	Match    MatchConfig
	Session  SessionConfig
	Estimate EstimateConfig
	Rates    RatesConfig
	HTTP     HTTPConfig
}

type StoreConfig struct {
	SQLitePath string
	BatchSize  int
	FlushMaxMS int
}

type MatchConfig struct {
	// Threshold is the minimum fuzzy similarity accepted when no alias hits.
	Threshold float64
}

type SessionConfig struct {
	// StaleAfter is how long a session may stay open before the sweep
	// force-closes it.
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

type EstimateConfig struct {
	ChatParticipationRate float64
	ViewerTurnoverRate    float64
}

type RatesConfig struct {
	// File, when set, is a JSON rate table watched for hot reload.
	File  string
	Table map[string]float64
}

type HTTPConfig struct {
	Addr        string
	CORSOrigins []string
	RateRPS     int
	RateBurst   int
	Metrics     bool
	AccessLog   bool
}

const (
	defaultSQLitePath      = "streamsight.db"
	defaultBatchSize       = 1
	defaultFlushMS         = 0
	defaultMatchThreshold  = 0.85
	defaultStaleAfter      = time.Hour
	defaultSweepInterval   = 5 * time.Minute
	defaultParticipation   = 0.3
	defaultTurnover        = 2.5
	defaultHTTPRateRPS     = 20
	defaultHTTPRateBurst   = 40
)

// DefaultCurrencyRates is the static KRW conversion table. It is an
// approximation, not a live FX feed; unknown currencies fall back to 1.
func DefaultCurrencyRates() map[string]float64 {
	return map[string]float64{
		"KRW": 1,
		"USD": 1350,
		"JPY": 9,
		"EUR": 1450,
	}
}

func Load() Config {
	cfg := Config{}

	cfg.Store.SQLitePath = strings.TrimSpace(os.Getenv("SSIGHT_SQLITE_PATH"))
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = defaultSQLitePath
	}
	cfg.Store.BatchSize = readInt("SSIGHT_STORE_BATCH_SIZE", defaultBatchSize)
	cfg.Store.FlushMaxMS = readInt("SSIGHT_STORE_FLUSH_MAX_MS", defaultFlushMS)

	cfg.Match.Threshold = readFloat("SSIGHT_MATCH_THRESHOLD", defaultMatchThreshold)

	cfg.Session.StaleAfter = readDuration("SSIGHT_SESSION_STALE_AFTER", defaultStaleAfter)
	cfg.Session.SweepInterval = readDuration("SSIGHT_SESSION_SWEEP_INTERVAL", defaultSweepInterval)

	cfg.Estimate.ChatParticipationRate = readFloat("SSIGHT_EST_CHAT_PARTICIPATION", defaultParticipation)
	cfg.Estimate.ViewerTurnoverRate = readFloat("SSIGHT_EST_VIEWER_TURNOVER", defaultTurnover)

	cfg.Rates.File = strings.TrimSpace(os.Getenv("SSIGHT_RATES_FILE"))
	cfg.Rates.Table = DefaultCurrencyRates()

	cfg.HTTP.Addr = strings.TrimSpace(os.Getenv("SSIGHT_HTTP_ADDR"))
	cfg.HTTP.CORSOrigins = splitList(os.Getenv("SSIGHT_HTTP_CORS_ORIGINS"))
	cfg.HTTP.RateRPS = readInt("SSIGHT_HTTP_RATE_RPS", defaultHTTPRateRPS)
	cfg.HTTP.RateBurst = readInt("SSIGHT_HTTP_RATE_BURST", defaultHTTPRateBurst)
	cfg.HTTP.Metrics = readBool("SSIGHT_HTTP_METRICS", true)
	cfg.HTTP.AccessLog = readBool("SSIGHT_HTTP_ACCESS_LOG", true)

	return cfg
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return dedupe(out)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	sort.Strings(out)
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func readFloat(name string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func readDuration(name string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Summary is the startup config dump logged by cmd; nothing here is secret
// but amounts and paths are still worth one structured line.
func (c Config) Summary() map[string]any {
	return map[string]any{
		"store": map[string]any{
			"sqlite_path": c.Store.SQLitePath,
			"batch_size":  c.Store.BatchSize,
			"flush_ms":    c.Store.FlushMaxMS,
		},
		"match": map[string]any{
			"threshold": c.Match.Threshold,
		},
		"session": map[string]any{
			"stale_after":    c.Session.StaleAfter.String(),
			"sweep_interval": c.Session.SweepInterval.String(),
		},
		"estimate": map[string]any{
			"chat_participation": c.Estimate.ChatParticipationRate,
			"viewer_turnover":    c.Estimate.ViewerTurnoverRate,
		},
		"rates": map[string]any{
			"file":       c.Rates.File,
			"currencies": len(c.Rates.Table),
		},
		"http": map[string]any{
			"addr":         c.HTTP.Addr,
			"cors_origins": append([]string(nil), c.HTTP.CORSOrigins...),
			"rate_rps":     c.HTTP.RateRPS,
			"rate_burst":   c.HTTP.RateBurst,
			"metrics":      c.HTTP.Metrics,
			"access_log":   c.HTTP.AccessLog,
		},
	}
}

func (c Config) SummaryJSON() []byte {
	data, _ := json.Marshal(map[string]any{"config_summary": c.Summary()})
	return data
}

func (c Config) FlushInterval() time.Duration {
	if c.Store.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.Store.FlushMaxMS) * time.Millisecond
}

func (c Config) Batch() int {
	if c.Store.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Store.BatchSize
}
