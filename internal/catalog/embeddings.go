package catalog

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/rekal-dev/rekal/internal/embedding"
)

// Candidate pairs a snapshot with its stored vector. Similarity scoring is
// the caller's job: vectors are stored pre-normalized, so a dot product is
// cosine similarity.
type Candidate struct {
	Snapshot Snapshot
	Vector   []float32
}

// UpsertEmbedding stores the vector for a snapshot, replacing any previous
// one. The embedding-space identity travels with the vector.
func (s *Store) UpsertEmbedding(ctx context.Context, snapshotID int64, id embedding.Identity, vec []float32, updatedAtMs int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	if len(vec) != id.Dim {
		return fmt.Errorf("vector has %d dimensions, identity declares %d", len(vec), id.Dim)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding (snapshot_id, dim, vec, updated_at_ms, provider, model)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(snapshot_id) DO UPDATE SET
			dim = excluded.dim,
			vec = excluded.vec,
			updated_at_ms = excluded.updated_at_ms,
			provider = excluded.provider,
			model = excluded.model
	`, snapshotID, id.Dim, serializeVector(vec), updatedAtMs, id.Provider, id.Model)
	if err != nil {
		return fmt.Errorf("failed to upsert embedding: %w", err)
	}
	return nil
}

// EmbeddingCandidates returns snapshots whose stored vectors live in exactly
// the given embedding space. Vectors from any other (dim, provider, model)
// triple are never returned, so callers cannot mix spaces in a similarity
// computation.
func (s *Store) EmbeddingCandidates(ctx context.Context, id embedding.Identity, f Filter, limit, offset int) ([]Candidate, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	clause, filterArgs := filterClause(f, "s.")
	query := `
		SELECT ` + prefixColumns("s.") + `, e.vec
		FROM embedding e
		JOIN snapshot s ON s.id = e.snapshot_id
		WHERE e.dim = ? AND e.provider = ? AND e.model = ?` + clause + `
		ORDER BY s.started_at_ms DESC, s.id DESC
		LIMIT ? OFFSET ?`
	args := append([]any{id.Dim, id.Provider, id.Model}, filterArgs...)
	args = append(args, normalizeLimit(limit), offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query embedding candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var vecBytes []byte
		snap, err := scanSnapshot(func(dest ...any) error {
			return rows.Scan(append(dest, &vecBytes)...)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		out = append(out, Candidate{Snapshot: snap, Vector: deserializeVector(vecBytes)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candidates: %w", err)
	}
	return out, nil
}

// TextOf returns the indexed text for a snapshot, empty when none was stored.
func (s *Store) TextOf(ctx context.Context, id int64) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	var text string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM text_index WHERE rowid = ?`, id).Scan(&text)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read indexed text: %w", err)
	}
	return text, nil
}

// MissingEmbeddings returns snapshots with indexed text but no vector in the
// given embedding space, newest first. Rows embedded under a different space
// count as missing, since their vectors are unusable here.
func (s *Store) MissingEmbeddings(ctx context.Context, id embedding.Identity, limit int) ([]Snapshot, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `
		SELECT ` + prefixColumns("s.") + `
		FROM snapshot s
		WHERE s.id IN (SELECT rowid FROM text_index WHERE content != '')
		  AND s.id NOT IN (
			SELECT snapshot_id FROM embedding
			WHERE dim = ? AND provider = ? AND model = ?)
		ORDER BY s.started_at_ms DESC, s.id DESC
		LIMIT ?`
	return s.querySnapshots(ctx, query, []any{id.Dim, id.Provider, id.Model, normalizeLimit(limit)})
}

// serializeVector converts a float32 slice to little-endian bytes for storage
func serializeVector(vector []float32) []byte {
	buf := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeVector converts bytes back to a float32 slice
func deserializeVector(data []byte) []float32 {
	vector := make([]float32, len(data)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}
