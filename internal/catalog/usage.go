package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// maxOpenSessionS bounds how long a session may stay open before it is
// considered stale and finalized with a clamped end time.
const maxOpenSessionS = 24 * 60 * 60

// BeginSession opens a usage session starting at startS (unix seconds).
func (s *Store) BeginSession(ctx context.Context, startS float64) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO usage_session (start_s) VALUES (?)`, startS)
	if err != nil {
		return 0, fmt.Errorf("failed to begin session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get session id: %w", err)
	}
	return id, nil
}

// EndSession closes a usage session at endS.
func (s *Store) EndSession(ctx context.Context, id int64, endS float64) error {
	if err := s.guard(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE usage_session SET end_s = ? WHERE id = ?`, endS, id); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

// FinalizeStaleSessions closes any session left open longer than the maximum
// reasonable duration, clamping its end to start + max. Crash recovery: open
// sessions from a previous run would otherwise inflate usage totals forever.
func (s *Store) FinalizeStaleSessions(ctx context.Context, nowS float64) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE usage_session
		SET end_s = start_s + ?
		WHERE end_s IS NULL AND ? - start_s > ?
	`, float64(maxOpenSessionS), nowS, float64(maxOpenSessionS))
	if err != nil {
		return 0, fmt.Errorf("failed to finalize stale sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Sessions returns sessions overlapping the half-open window [fromS, toS).
// A zero toS means unbounded.
func (s *Store) Sessions(ctx context.Context, fromS, toS float64) ([]UsageSession, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `SELECT id, start_s, end_s FROM usage_session WHERE (end_s IS NULL OR end_s > ?)`
	args := []any{fromS}
	if toS > 0 {
		query += ` AND start_s < ?`
		args = append(args, toS)
	}
	query += ` ORDER BY start_s`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []UsageSession
	for rows.Next() {
		var sess UsageSession
		if err := rows.Scan(&sess.ID, &sess.StartS, &sess.EndS); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UsageSeconds returns the total active-capture time within [fromS, toS),
// counting overlapping or touching sessions once. nowS stands in for the end
// of still-open sessions.
func (s *Store) UsageSeconds(ctx context.Context, fromS, toS, nowS float64) (float64, error) {
	sessions, err := s.Sessions(ctx, fromS, toS)
	if err != nil {
		return 0, err
	}

	intervals := make([][2]float64, 0, len(sessions))
	for _, sess := range sessions {
		start := sess.StartS
		var end float64
		if sess.EndS != nil {
			end = *sess.EndS
		} else {
			end = nowS
			if end > start+maxOpenSessionS {
				end = start + maxOpenSessionS
			}
		}
		if end < start {
			// Inverted interval is a data bug; clamp rather than
			// poison the total.
			slog.Warn("usage session has end before start", "id", sess.ID, "start_s", start, "end_s", end)
			end = start
		}
		// Clip to the requested window.
		if start < fromS {
			start = fromS
		}
		if toS > 0 && end > toS {
			end = toS
		}
		if end > start {
			intervals = append(intervals, [2]float64{start, end})
		}
	}

	return MergeIntervals(intervals), nil
}

// MergeIntervals sums a set of [start, end] intervals after merging
// overlapping or touching spans, so no moment is counted twice.
func MergeIntervals(intervals [][2]float64) float64 {
	if len(intervals) == 0 {
		return 0
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i][0] < intervals[j][0] })

	var (
		total    float64
		curStart = intervals[0][0]
		curEnd   = intervals[0][1]
	)
	for _, iv := range intervals[1:] {
		if iv[0] <= curEnd {
			if iv[1] > curEnd {
				curEnd = iv[1]
			}
			continue
		}
		total += curEnd - curStart
		curStart, curEnd = iv[0], iv[1]
	}
	total += curEnd - curStart
	return total
}
