package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
)

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// migrateSQLite brings databases created by earlier builds up to the current
// schema: missing columns are added, NULLs in NOT NULL-by-convention columns
// are normalized, and open sessions from before the partial index existed
// are deduplicated.
func migrateSQLite(ctx context.Context, db *sql.DB) error {
	path := sqlitePath(ctx, db)
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}

	log.Printf("streamsight: sqlite: path=%s user_version=%d", path, userVersion)

	columns, err := sqliteTableInfo(ctx, db, "events")
	if err != nil {
		return fmt.Errorf("sqlite: describe events: %w", err)
	}
	if len(columns) == 0 {
		log.Printf("streamsight: sqlite: events table missing; skipping migration")
		return nil
	}

	if _, ok := columns["broadcast_id"]; !ok {
		if _, err := db.ExecContext(ctx, `ALTER TABLE events ADD COLUMN broadcast_id TEXT NOT NULL DEFAULT '';`); err != nil {
			return fmt.Errorf("sqlite: ensure broadcast_id column: %w", err)
		}
		log.Printf("streamsight: sqlite: added broadcast_id column to events")
	}
	if _, ok := columns["donation_type"]; !ok {
		if _, err := db.ExecContext(ctx, `ALTER TABLE events ADD COLUMN donation_type TEXT NOT NULL DEFAULT '';`); err != nil {
			return fmt.Errorf("sqlite: ensure donation_type column: %w", err)
		}
		log.Printf("streamsight: sqlite: added donation_type column to events")
	}

	normalize := []struct {
		query string
		label string
	}{
		{`UPDATE events SET raw_json='' WHERE raw_json IS NULL;`, "raw_json"},
		{`UPDATE events SET badges_json='[]' WHERE badges_json IS NULL;`, "badges_json"},
		{`UPDATE events SET currency='' WHERE currency IS NULL;`, "currency"},
		{`UPDATE sessions SET nickname='' WHERE nickname IS NULL;`, "nickname"},
	}
	for _, step := range normalize {
		res, execErr := db.ExecContext(ctx, step.query)
		if execErr != nil {
			return fmt.Errorf("sqlite: normalize %s: %w", step.label, execErr)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			log.Printf("streamsight: sqlite: normalized %s nulls=%d", step.label, n)
		}
	}

	// Multiple open sessions per viewer key predate the partial unique
	// index; keep the earliest and close the rest with zero duration.
	dedupeSQL := `UPDATE sessions
SET ended_at = started_at, duration_seconds = 0
WHERE ended_at IS NULL
  AND rowid NOT IN (
    SELECT MIN(rowid)
    FROM sessions
    WHERE ended_at IS NULL
    GROUP BY platform, channel_id, external_user_id
);`
	if res, execErr := db.ExecContext(ctx, dedupeSQL); execErr != nil {
		return fmt.Errorf("sqlite: dedupe open sessions: %w", execErr)
	} else if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Printf("streamsight: sqlite: closed %d duplicate open sessions", n)
	}

	if _, err := db.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS sessions_uq_open_key
        ON sessions(platform, channel_id, external_user_id) WHERE ended_at IS NULL;`); err != nil {
		return fmt.Errorf("sqlite: ensure sessions_uq_open_key: %w", err)
	}

	// Duplicate catalog entries per title predate the name_en unique index;
	// repoint mappings at the earliest entry, drop the rest, then index.
	catalogCols, err := sqliteTableInfo(ctx, db, "catalog_entries")
	if err != nil {
		return fmt.Errorf("sqlite: describe catalog_entries: %w", err)
	}
	if len(catalogCols) > 0 {
		if err := dedupeCatalogEntries(ctx, db); err != nil {
			return err
		}
	}

	hasIndex, err := sqliteHasIndex(ctx, db, "sessions", "sessions_uq_open_key")
	if err != nil {
		return fmt.Errorf("sqlite: inspect indices: %w", err)
	}

	var openSessions int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE ended_at IS NULL;`).Scan(&openSessions); err != nil {
		return fmt.Errorf("sqlite: count open sessions: %w", err)
	}

	log.Printf("streamsight: sqlite: sessions_uq_open_key=%v open_sessions=%d", hasIndex, openSessions)

	return nil
}

func dedupeCatalogEntries(ctx context.Context, db *sql.DB) error {
	repointSQL := `UPDATE category_mappings
SET catalog_entry_id = (
  SELECT ce2.id FROM catalog_entries ce2
  WHERE ce2.name_en = (SELECT ce3.name_en FROM catalog_entries ce3 WHERE ce3.id = category_mappings.catalog_entry_id)
  ORDER BY ce2.rowid LIMIT 1
)
WHERE catalog_entry_id IN (
  SELECT id FROM catalog_entries
  WHERE rowid NOT IN (SELECT MIN(rowid) FROM catalog_entries GROUP BY name_en)
);`
	if res, execErr := db.ExecContext(ctx, repointSQL); execErr != nil {
		return fmt.Errorf("sqlite: repoint duplicate entry mappings: %w", execErr)
	} else if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Printf("streamsight: sqlite: repointed %d mappings to deduplicated entries", n)
	}
	if res, execErr := db.ExecContext(ctx,
		`DELETE FROM catalog_entries WHERE rowid NOT IN (SELECT MIN(rowid) FROM catalog_entries GROUP BY name_en);`); execErr != nil {
		return fmt.Errorf("sqlite: dedupe catalog entries: %w", execErr)
	} else if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Printf("streamsight: sqlite: deleted %d duplicate catalog entries", n)
	}
	if _, err := db.ExecContext(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS catalog_entries_name_en ON catalog_entries(name_en);`); err != nil {
		return fmt.Errorf("sqlite: ensure catalog_entries_name_en: %w", err)
	}
	return nil
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	if err := rows.Err(); err != nil {
		return "(unknown)"
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var userVersion int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return 0, err
	}
	return userVersion, nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		lower := strings.ToLower(strings.TrimSpace(name))
		out[lower] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func sqliteHasIndex(ctx context.Context, db *sql.DB, table, index string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list('%s');`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), index) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return false, nil
}
