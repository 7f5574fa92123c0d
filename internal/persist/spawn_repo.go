package persist

import (
	"context"
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/netscene/netscene/internal/identity"
	"github.com/netscene/netscene/internal/spawn"
)

// SpawnRepo stores the host's spawn records. A record is never deleted, only
// flagged destroyed, so the highest stored id is the NetworkID watermark.
type SpawnRepo struct {
	db *DB
}

func NewSpawnRepo(db *DB) *SpawnRepo {
	return &SpawnRepo{db: db}
}

const upsertSpawnRecord = `INSERT INTO spawn_records
	(network_id, prefab, spawn_point, pos_x, pos_y, pos_z, rot_x, rot_y, rot_z, destroyed, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (network_id) DO UPDATE SET
		destroyed = excluded.destroyed,
		updated_at = excluded.updated_at`

// SaveBatch writes a batch of record changes in a single transaction, in
// order, so a create followed by its destroy ends up destroyed.
func (r *SpawnRepo) SaveBatch(ctx context.Context, changes []spawn.RecordChange) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("spawn records begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, r.db.rebind(upsertSpawnRecord))
	if err != nil {
		return fmt.Errorf("spawn records prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range changes {
		rec := c.Record
		destroyed := 0
		if c.Destroyed {
			destroyed = 1
		}
		p, rot := rec.Transform.Position, rec.Transform.Rotation
		if _, err := stmt.ExecContext(ctx,
			int64(rec.ID), int64(rec.Prefab), int64(rec.SpawnPoint),
			p[0], p[1], p[2], rot[0], rot[1], rot[2],
			destroyed, c.At.UnixMilli(),
		); err != nil {
			return fmt.Errorf("spawn record %d: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

// LoadWatermark returns the highest NetworkID ever stored, 0 when empty.
func (r *SpawnRepo) LoadWatermark(ctx context.Context) (identity.NetworkID, error) {
	var w int64
	err := r.db.SQL.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(network_id), 0) FROM spawn_records`,
	).Scan(&w)
	if err != nil {
		return 0, fmt.Errorf("load watermark: %w", err)
	}
	return identity.NetworkID(w), nil
}

// LoadLive returns the records not flagged destroyed, ordered by id.
func (r *SpawnRepo) LoadLive(ctx context.Context) ([]spawn.SpawnRecord, error) {
	rows, err := r.db.SQL.QueryContext(ctx, r.db.rebind(
		`SELECT network_id, prefab, spawn_point, pos_x, pos_y, pos_z, rot_x, rot_y, rot_z
		 FROM spawn_records WHERE destroyed = ? ORDER BY network_id`), 0)
	if err != nil {
		return nil, fmt.Errorf("load spawn records: %w", err)
	}
	defer rows.Close()

	var out []spawn.SpawnRecord
	for rows.Next() {
		var (
			id, prefab, point int64
			p, rot            [3]float64
		)
		if err := rows.Scan(&id, &prefab, &point, &p[0], &p[1], &p[2], &rot[0], &rot[1], &rot[2]); err != nil {
			return nil, err
		}
		out = append(out, spawn.SpawnRecord{
			ID:         identity.NetworkID(id),
			Prefab:     spawn.PrefabHandle(prefab),
			SpawnPoint: identity.LocalID(point),
			Transform: spawn.Transform{
				Position: mgl32.Vec3{float32(p[0]), float32(p[1]), float32(p[2])},
				Rotation: mgl32.Vec3{float32(rot[0]), float32(rot[1]), float32(rot[2])},
			},
		})
	}
	return out, rows.Err()
}
