package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/you/streamsight/internal/catalog"
	"github.com/you/streamsight/internal/core"
)

// Catalog side of the store. UpsertMapping is a single ON CONFLICT statement
// so two workers resolving the same unseen category concurrently leave one
// row, last writer winning on confidence.

func (s *SQLiteStore) ListEntries(ctx context.Context) ([]core.CatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name_en, name_local, genre, developer, verified, created_at FROM catalog_entries;`)
	if err != nil {
		return nil, errors.Wrap(err, "list entries")
	}
	defer rows.Close()

	var out []core.CatalogEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, errors.Wrap(rows.Err(), "iterate entries")
}

func (s *SQLiteStore) FindEntryByName(ctx context.Context, nameEn string) (*core.CatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name_en, name_local, genre, developer, verified, created_at
FROM catalog_entries WHERE name_en = ? LIMIT 1;`, nameEn)
	if err != nil {
		return nil, errors.Wrap(err, "find entry")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, errors.Wrap(rows.Err(), "find entry")
	}
	entry, err := scanEntry(rows)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func scanEntry(rows *sql.Rows) (core.CatalogEntry, error) {
	var (
		entry     core.CatalogEntry
		verified  int
		createdAt string
	)
	if err := rows.Scan(&entry.ID, &entry.NameEn, &entry.NameLocal, &entry.Genre,
		&entry.Developer, &verified, &createdAt); err != nil {
		return core.CatalogEntry{}, errors.Wrap(err, "scan entry")
	}
	entry.Verified = verified != 0
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		entry.CreatedAt = t
	}
	return entry, nil
}

// InsertEntry creates a catalog entry unless one with the same name_en
// already exists; losing a concurrent first-sighting race is a no-op, and
// the caller re-reads by name to find the winning row.
func (s *SQLiteStore) InsertEntry(ctx context.Context, entry core.CatalogEntry) error {
	verified := 0
	if entry.Verified {
		verified = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO catalog_entries (id, name_en, name_local, genre, developer, verified, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name_en) DO NOTHING;`,
		entry.ID, entry.NameEn, entry.NameLocal, entry.Genre, entry.Developer,
		verified, entry.CreatedAt.UTC().Format(time.RFC3339Nano))
	return errors.Wrap(err, "insert entry")
}

// VerifyEntry flips an entry to verified; review tooling calls this.
func (s *SQLiteStore) VerifyEntry(ctx context.Context, entryID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE catalog_entries SET verified = 1 WHERE id = ?;`, entryID)
	return errors.Wrap(err, "verify entry")
}

func (s *SQLiteStore) UpsertMapping(ctx context.Context, m core.CategoryMapping) error {
	isManual := 0
	if m.IsManual {
		isManual = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO category_mappings (platform, platform_category_id, platform_name, catalog_entry_id, confidence, is_manual, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(platform, platform_category_id) DO UPDATE SET
  platform_name = CASE WHEN excluded.platform_name != '' THEN excluded.platform_name ELSE platform_name END,
  catalog_entry_id = excluded.catalog_entry_id,
  confidence = excluded.confidence,
  is_manual = excluded.is_manual,
  updated_at = excluded.updated_at;`,
		string(m.Platform), m.PlatformCategoryID, m.PlatformName, m.CatalogEntryID,
		m.Confidence, isManual, m.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return errors.Wrap(err, "upsert mapping")
}

// UpsertPlatformCategory records a category sighting from a connector with
// its current viewer count, keeping the active-category registry fresh.
func (s *SQLiteStore) UpsertPlatformCategory(ctx context.Context, cat catalog.Category, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO platform_categories (platform, platform_category_id, name, viewer_count, active, updated_at)
VALUES (?, ?, ?, ?, 1, ?)
ON CONFLICT(platform, platform_category_id) DO UPDATE SET
  name = excluded.name,
  viewer_count = excluded.viewer_count,
  active = 1,
  updated_at = excluded.updated_at;`,
		string(cat.Platform), cat.PlatformCategoryID, cat.Name, cat.ViewerCount,
		seenAt.UTC().Format(time.RFC3339Nano))
	return errors.Wrap(err, "upsert platform category")
}

func (s *SQLiteStore) UnmappedCategories(ctx context.Context) ([]catalog.UnmappedCategory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pc.platform, pc.platform_category_id, pc.name, pc.viewer_count
FROM platform_categories pc
LEFT JOIN category_mappings cm
  ON cm.platform = pc.platform AND cm.platform_category_id = pc.platform_category_id
WHERE pc.active = 1 AND cm.catalog_entry_id IS NULL
ORDER BY pc.viewer_count DESC;`)
	if err != nil {
		return nil, errors.Wrap(err, "list unmapped")
	}
	defer rows.Close()

	var out []catalog.UnmappedCategory
	for rows.Next() {
		var (
			uc       catalog.UnmappedCategory
			platform string
		)
		if err := rows.Scan(&platform, &uc.PlatformCategoryID, &uc.Name, &uc.ViewerCount); err != nil {
			return nil, errors.Wrap(err, "scan unmapped")
		}
		uc.Platform = core.Platform(platform)
		out = append(out, uc)
	}
	return out, errors.Wrap(rows.Err(), "iterate unmapped")
}

func (s *SQLiteStore) LowConfidenceMappings(ctx context.Context, threshold float64) ([]core.CategoryMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT platform, platform_category_id, platform_name, catalog_entry_id, confidence, is_manual, updated_at
FROM category_mappings
WHERE confidence < ? AND is_manual = 0
ORDER BY confidence ASC;`, threshold)
	if err != nil {
		return nil, errors.Wrap(err, "list low confidence")
	}
	defer rows.Close()

	var out []core.CategoryMapping
	for rows.Next() {
		var (
			m         core.CategoryMapping
			platform  string
			isManual  int
			updatedAt string
		)
		if err := rows.Scan(&platform, &m.PlatformCategoryID, &m.PlatformName,
			&m.CatalogEntryID, &m.Confidence, &isManual, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "scan mapping")
		}
		m.Platform = core.Platform(platform)
		m.IsManual = isManual != 0
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			m.UpdatedAt = t
		}
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "iterate mappings")
}
