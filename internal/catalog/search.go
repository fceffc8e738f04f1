package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rekal-dev/rekal/internal/metrics"
)

// SnapshotByID returns one snapshot, or ErrNotFound.
func (s *Store) SnapshotByID(ctx context.Context, id int64) (Snapshot, error) {
	if err := s.guard(); err != nil {
		return Snapshot{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshot WHERE id = ?`, id)
	snap, err := scanSnapshot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap, nil
}

// Latest returns the newest snapshots under the filter, newest first.
func (s *Store) Latest(ctx context.Context, f Filter, limit, offset int) ([]Snapshot, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	clause, args := filterClause(f, "")
	query := `SELECT ` + snapshotColumns + ` FROM snapshot WHERE 1=1` + clause +
		` ORDER BY started_at_ms DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, normalizeLimit(limit), offset)
	return s.querySnapshots(ctx, query, args)
}

// Search runs a full-text query. Every element of q.Parts must match; within
// one part, "|"-separated alternatives are OR-ed. Results are ordered by
// recency, newest first.
func (s *Store) Search(ctx context.Context, q SearchQuery) ([]Snapshot, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	metrics.SearchRequestsTotal.Add(1)

	match := buildMatch(q.Parts)
	if match == "" {
		return s.Latest(ctx, q.Filter, q.Limit, q.Offset)
	}

	clause, filterArgs := filterClause(q.Filter, "s.")
	query := `
		SELECT ` + prefixColumns("s.") + `
		FROM snapshot s
		WHERE s.id IN (SELECT rowid FROM text_index WHERE text_index MATCH ?)` + clause + `
		ORDER BY s.started_at_ms DESC, s.id DESC
		LIMIT ? OFFSET ?`
	args := append([]any{match}, filterArgs...)
	args = append(args, normalizeLimit(q.Limit), q.Offset)
	return s.querySnapshots(ctx, query, args)
}

// RankOf returns the zero-based position of a snapshot in the filtered,
// time-descending view: the count of rows strictly newer than it under the
// same query. Inserting older rows never changes an existing rank.
func (s *Store) RankOf(ctx context.Context, id int64, q SearchQuery) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	target, err := s.SnapshotByID(ctx, id)
	if err != nil {
		return 0, err
	}

	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`SELECT COUNT(*) FROM snapshot s WHERE (s.started_at_ms > ? OR (s.started_at_ms = ? AND s.id > ?))`)
	args = append(args, target.StartedAtMs, target.StartedAtMs, target.ID)

	if match := buildMatch(q.Parts); match != "" {
		sb.WriteString(` AND s.id IN (SELECT rowid FROM text_index WHERE text_index MATCH ?)`)
		args = append(args, match)
	}
	clause, filterArgs := filterClause(q.Filter, "s.")
	sb.WriteString(clause)
	args = append(args, filterArgs...)

	var rank int64
	if err := s.db.QueryRowContext(ctx, sb.String(), args...).Scan(&rank); err != nil {
		return 0, fmt.Errorf("failed to compute rank: %w", err)
	}
	return rank, nil
}

func (s *Store) querySnapshots(ctx context.Context, query string, args []any) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return snaps, nil
}

// buildMatch renders query parts into one FTS5 MATCH expression: parts are
// AND-ed, alternatives within a part ("a|b") are OR-ed, and every alternative
// is quoted as a phrase so user input cannot inject FTS syntax.
func buildMatch(parts []string) string {
	var groups []string
	for _, part := range parts {
		var alts []string
		for _, alt := range strings.Split(part, "|") {
			alt = strings.TrimSpace(alt)
			if alt == "" {
				continue
			}
			alts = append(alts, quotePhrase(alt))
		}
		if len(alts) == 0 {
			continue
		}
		groups = append(groups, "("+strings.Join(alts, " OR ")+")")
	}
	return strings.Join(groups, " AND ")
}

func quotePhrase(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func prefixColumns(prefix string) string {
	cols := strings.Split(snapshotColumns, ", ")
	for i, c := range cols {
		cols[i] = prefix + c
	}
	return strings.Join(cols, ", ")
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
