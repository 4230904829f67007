package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/Chachamaru127/harness-mem/internal/models"
)

// Float32ToBytes converts a float32 slice to a byte slice (little-endian).
func Float32ToBytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// BytesToFloat32 converts a byte slice (little-endian) back to a float32 slice.
func BytesToFloat32(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertVector(ctx context.Context, ex execer, v *models.Vector) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO vectors (observation_id, model, dim, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(observation_id) DO UPDATE SET
			model = excluded.model,
			dim = excluded.dim,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at
	`, v.ObservationID, v.Model, len(v.Embedding), Float32ToBytes(v.Embedding), v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert vector: %w", err)
	}
	return nil
}

// UpsertVector replaces the vector of one observation.
func (db *DB) UpsertVector(ctx context.Context, v *models.Vector) error {
	return upsertVector(ctx, db, v)
}

// IndexedVector is a stored vector with the observation fields that vector
// indexes filter on.
type IndexedVector struct {
	ObservationID string
	Project       string
	SessionID     string
	Private       bool
	CreatedAt     int64
	Embedding     []float32
}

const indexedVectorColumns = `v.observation_id, o.project, o.session_id, o.private, o.created_at, v.embedding`

func scanIndexedVectors(rows *sql.Rows) ([]IndexedVector, error) {
	var out []IndexedVector
	for rows.Next() {
		var iv IndexedVector
		var private int
		var blob []byte
		if err := rows.Scan(&iv.ObservationID, &iv.Project, &iv.SessionID, &private, &iv.CreatedAt, &blob); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		iv.Private = private != 0
		iv.Embedding = BytesToFloat32(blob)
		out = append(out, iv)
	}
	return out, rows.Err()
}

// RecentVectors returns the window most recent vectors passing the filter.
// It bounds the brute-force similarity scan.
func (db *DB) RecentVectors(ctx context.Context, f models.Filter, window int) ([]IndexedVector, error) {
	where, args := whereClause(f)
	args = append(args, window)
	rows, err := db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM vectors v JOIN observations o ON o.id = v.observation_id
		 WHERE %s ORDER BY o.created_at DESC, o.id DESC LIMIT ?`, indexedVectorColumns, where), args...)
	if err != nil {
		return nil, fmt.Errorf("recent vectors: %w", err)
	}
	defer rows.Close()
	return scanIndexedVectors(rows)
}

// ListVectors pages through all vectors ordered by observation id.
func (db *DB) ListVectors(ctx context.Context, afterID string, limit int) ([]IndexedVector, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM vectors v JOIN observations o ON o.id = v.observation_id
		 WHERE v.observation_id > ? ORDER BY v.observation_id LIMIT ?`, indexedVectorColumns), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list vectors: %w", err)
	}
	defer rows.Close()
	return scanIndexedVectors(rows)
}

// GetVector returns the stored vector for an observation, or nil.
func (db *DB) GetVector(ctx context.Context, observationID string) (*models.Vector, error) {
	var v models.Vector
	var blob []byte
	err := db.QueryRowContext(ctx,
		`SELECT observation_id, model, embedding, updated_at FROM vectors WHERE observation_id = ?`,
		observationID).Scan(&v.ObservationID, &v.Model, &blob, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vector: %w", err)
	}
	v.Embedding = BytesToFloat32(blob)
	return &v, nil
}

// VectorCount returns the number of stored vectors.
func (db *DB) VectorCount(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors`).Scan(&n)
	return n, err
}
