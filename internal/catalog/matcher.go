// Package catalog resolves platform-specific category strings to a shared
// game catalog, by exact alias lookup first and fuzzy string distance second.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/you/streamsight/internal/core"
)

// ErrPersistMapping marks a storage upsert failure. Batch operations log and
// count it without aborting.
var ErrPersistMapping = errors.New("catalog: mapping persistence failed")

// DefaultThreshold is the minimum fuzzy similarity accepted as a match.
const DefaultThreshold = 0.85

// Category is one platform category as reported by a connector.
type Category struct {
	Platform           core.Platform
	PlatformCategoryID string
	Name               string
	ViewerCount        int
}

// UnmappedCategory is a live platform category with no mapping yet, surfaced
// for review ordered by viewer count.
type UnmappedCategory struct {
	Platform           core.Platform `json:"platform"`
	PlatformCategoryID string        `json:"platformCategoryId"`
	Name               string        `json:"name"`
	ViewerCount        int           `json:"viewerCount"`
}

// MatchResult reports where a category landed in the catalog.
type MatchResult struct {
	CatalogEntryID string  `json:"catalogEntryId"`
	Confidence     float64 `json:"confidence"`
	Method         string  `json:"method"` // "alias" | "fuzzy" | "created"
	EntryCreated   bool    `json:"entryCreated"`
}

// BatchResult counts per-item outcomes of MapAllUnmapped.
type BatchResult struct {
	Mapped int `json:"mapped"`
	Failed int `json:"failed"`
}

// Store is the persistence surface the matcher needs. UpsertMapping must be
// a true atomic upsert on (platform, platformCategoryId): two workers
// resolving the same unseen category concurrently end with one row.
// InsertEntry must be insert-or-ignore on name_en, so concurrent first
// sightings of one title converge on a single entry.
type Store interface {
	ListEntries(ctx context.Context) ([]core.CatalogEntry, error)
	FindEntryByName(ctx context.Context, nameEn string) (*core.CatalogEntry, error)
	InsertEntry(ctx context.Context, entry core.CatalogEntry) error
	UpsertMapping(ctx context.Context, mapping core.CategoryMapping) error
	UnmappedCategories(ctx context.Context) ([]UnmappedCategory, error)
	LowConfidenceMappings(ctx context.Context, threshold float64) ([]core.CategoryMapping, error)
}

type Matcher struct {
	store     Store
	threshold float64
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

type Option func(*Matcher)

func WithThreshold(threshold float64) Option {
	return func(m *Matcher) {
		if threshold > 0 && threshold <= 1 {
			m.threshold = threshold
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Matcher) { m.logger = logger }
}

// WithClock and WithIDSource pin time and id generation for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Matcher) { m.now = now }
}

func WithIDSource(newID func() string) Option {
	return func(m *Matcher) { m.newID = newID }
}

func New(store Store, opts ...Option) *Matcher {
	m := &Matcher{
		store:     store,
		threshold: DefaultThreshold,
		logger:    slog.Default(),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AutoMapCategory resolves one category: alias hit, then fuzzy match against
// every catalog entry, then a fresh unverified entry. The mapping row is
// always upserted on (platform, platformCategoryId).
func (m *Matcher) AutoMapCategory(ctx context.Context, cat Category) (MatchResult, error) {
	if cat.Platform == "" || cat.PlatformCategoryID == "" {
		return MatchResult{}, errors.New("catalog: platform and platformCategoryId are required")
	}
	norm := NormalizeName(cat.Name)
	if norm == "" {
		return MatchResult{}, fmt.Errorf("catalog: category name %q normalizes to nothing", cat.Name)
	}

	if st, ok := lookupAlias(cat.Name); ok {
		entry, created, err := m.findOrCreateVerified(ctx, st)
		if err != nil {
			return MatchResult{}, err
		}
		result := MatchResult{CatalogEntryID: entry.ID, Confidence: 1.0, Method: "alias", EntryCreated: created}
		return result, m.persist(ctx, cat, result)
	}

	entries, err := m.store.ListEntries(ctx)
	if err != nil {
		return MatchResult{}, fmt.Errorf("catalog: list entries: %w", err)
	}

	var (
		best      *core.CatalogEntry
		bestScore float64
	)
	for i := range entries {
		entry := &entries[i]
		score := Similarity(norm, NormalizeName(entry.NameEn))
		if local := Similarity(norm, NormalizeName(entry.NameLocal)); local > score {
			score = local
		}
		if score > bestScore {
			best, bestScore = entry, score
		}
	}

	if best != nil && bestScore >= m.threshold {
		result := MatchResult{CatalogEntryID: best.ID, Confidence: bestScore, Method: "fuzzy"}
		return result, m.persist(ctx, cat, result)
	}

	// Nothing close enough: register the raw name as a new unverified entry
	// so event processing never blocks on an unresolved category.
	entry := core.CatalogEntry{
		ID:        m.newID(),
		NameEn:    cat.Name,
		NameLocal: cat.Name,
		Verified:  false,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.InsertEntry(ctx, entry); err != nil {
		return MatchResult{}, fmt.Errorf("catalog: create entry: %w", err)
	}
	entry, created, err := m.resolveInserted(ctx, entry)
	if err != nil {
		return MatchResult{}, err
	}
	result := MatchResult{CatalogEntryID: entry.ID, Confidence: 1.0, Method: "created", EntryCreated: created}
	return result, m.persist(ctx, cat, result)
}

func (m *Matcher) findOrCreateVerified(ctx context.Context, st *seedTitle) (core.CatalogEntry, bool, error) {
	existing, err := m.store.FindEntryByName(ctx, st.NameEn)
	if err != nil {
		return core.CatalogEntry{}, false, fmt.Errorf("catalog: find entry: %w", err)
	}
	if existing != nil {
		return *existing, false, nil
	}
	entry := core.CatalogEntry{
		ID:        m.newID(),
		NameEn:    st.NameEn,
		NameLocal: st.NameLocal,
		Genre:     st.Genre,
		Developer: st.Developer,
		Verified:  true,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.InsertEntry(ctx, entry); err != nil {
		return core.CatalogEntry{}, false, fmt.Errorf("catalog: create entry: %w", err)
	}
	return m.resolveInserted(ctx, entry)
}

// resolveInserted re-reads the entry by name after an insert-or-ignore: a
// concurrent worker may have created the same title first, in which case its
// row won and ours was a no-op.
func (m *Matcher) resolveInserted(ctx context.Context, entry core.CatalogEntry) (core.CatalogEntry, bool, error) {
	won, err := m.store.FindEntryByName(ctx, entry.NameEn)
	if err != nil {
		return core.CatalogEntry{}, false, fmt.Errorf("catalog: find entry: %w", err)
	}
	if won != nil && won.ID != entry.ID {
		return *won, false, nil
	}
	return entry, true, nil
}

func (m *Matcher) persist(ctx context.Context, cat Category, result MatchResult) error {
	mapping := core.CategoryMapping{
		Platform:           cat.Platform,
		PlatformCategoryID: cat.PlatformCategoryID,
		PlatformName:       cat.Name,
		CatalogEntryID:     result.CatalogEntryID,
		Confidence:         result.Confidence,
		IsManual:           false,
		UpdatedAt:          m.now().UTC(),
	}
	if err := m.store.UpsertMapping(ctx, mapping); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistMapping, err)
	}
	return nil
}

// SetManualMapping pins a category to a catalog entry at confidence 1.0,
// overriding any fuzzy result.
func (m *Matcher) SetManualMapping(ctx context.Context, platform core.Platform, platformCategoryID, catalogEntryID string) error {
	if platform == "" || platformCategoryID == "" || catalogEntryID == "" {
		return errors.New("catalog: platform, platformCategoryId and catalogEntryId are required")
	}
	mapping := core.CategoryMapping{
		Platform:           platform,
		PlatformCategoryID: platformCategoryID,
		CatalogEntryID:     catalogEntryID,
		Confidence:         1.0,
		IsManual:           true,
		UpdatedAt:          m.now().UTC(),
	}
	if err := m.store.UpsertMapping(ctx, mapping); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistMapping, err)
	}
	return nil
}

// UnmappedCategories lists active platform categories lacking any mapping,
// ordered by viewer count descending.
func (m *Matcher) UnmappedCategories(ctx context.Context) ([]UnmappedCategory, error) {
	return m.store.UnmappedCategories(ctx)
}

// LowConfidenceMappings is the review queue of mappings below threshold.
func (m *Matcher) LowConfidenceMappings(ctx context.Context, threshold float64) ([]core.CategoryMapping, error) {
	if threshold <= 0 || threshold > 1 {
		threshold = m.threshold
	}
	return m.store.LowConfidenceMappings(ctx, threshold)
}

// MapAllUnmapped drives AutoMapCategory over every unmapped category.
// Per-item failures are logged and counted; the batch never aborts.
func (m *Matcher) MapAllUnmapped(ctx context.Context) (BatchResult, error) {
	unmapped, err := m.store.UnmappedCategories(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("catalog: list unmapped: %w", err)
	}

	var result BatchResult
	for _, uc := range unmapped {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		_, err := m.AutoMapCategory(ctx, Category{
			Platform:           uc.Platform,
			PlatformCategoryID: uc.PlatformCategoryID,
			Name:               uc.Name,
			ViewerCount:        uc.ViewerCount,
		})
		if err != nil {
			result.Failed++
			m.logger.Warn("catalog: auto-map failed",
				"platform", uc.Platform,
				"platform_category_id", uc.PlatformCategoryID,
				"name", uc.Name,
				"err", err,
			)
			continue
		}
		result.Mapped++
	}
	m.logger.Info("catalog: batch mapping done", "mapped", result.Mapped, "failed", result.Failed)
	return result, nil
}
