package perception

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

const missionLogSchema = `
CREATE TABLE IF NOT EXISTS cycles (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_id      TEXT    NOT NULL UNIQUE,
	timestamp     INTEGER NOT NULL,
	x             REAL    NOT NULL,
	y             REAL    NOT NULL,
	yaw           REAL    NOT NULL,
	pitch         REAL    NOT NULL,
	roll          REAL    NOT NULL,
	gate_open     INTEGER NOT NULL,
	added_obstacle  INTEGER NOT NULL,
	added_target    INTEGER NOT NULL,
	added_navigable INTEGER NOT NULL,
	steer_deg     REAL,
	summaries     TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cycles_timestamp ON cycles (timestamp);
`

// MissionLog records one row per perception cycle in sqlite.
type MissionLog struct {
	*sql.DB
}

// MissionTotals aggregates a mission log.
type MissionTotals struct {
	Cycles     int              `json:"cycles"`
	GateClosed int              `json:"gateClosed"`
	Added      map[string]int64 `json:"added"`
}

// OpenMissionLog opens (or creates) the mission log at path. Use ":memory:"
// for an ephemeral log.
func OpenMissionLog(path string) (*MissionLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open mission log: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(missionLogSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create mission log schema: %w", err)
	}
	return &MissionLog{db}, nil
}

// RecordCycle stores a cycle report.
func (ml *MissionLog) RecordCycle(ctx context.Context, r CycleReport) error {
	summaries, err := json.Marshal(r.Summaries)
	if err != nil {
		return fmt.Errorf("marshal summaries: %w", err)
	}
	var steer sql.NullFloat64
	if r.SteerDeg != nil {
		steer = sql.NullFloat64{Float64: *r.SteerDeg, Valid: true}
	}

	query := `
		INSERT INTO cycles (cycle_id, timestamp, x, y, yaw, pitch, roll, gate_open,
			added_obstacle, added_target, added_navigable, steer_deg, summaries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = ml.ExecContext(ctx, query,
		r.CycleID, r.Timestamp, r.Pose.X, r.Pose.Y, r.Pose.Yaw, r.Pose.Pitch, r.Pose.Roll, r.GateOpen,
		r.Added[ChannelObstacle.String()], r.Added[ChannelTarget.String()], r.Added[ChannelNavigable.String()],
		steer, string(summaries))
	if err != nil {
		return fmt.Errorf("insert cycle %s: %w", r.CycleID, err)
	}
	return nil
}

// RecentCycles returns up to limit reports, newest first.
func (ml *MissionLog) RecentCycles(ctx context.Context, limit int) ([]CycleReport, error) {
	query := `
		SELECT cycle_id, timestamp, x, y, yaw, pitch, roll, gate_open,
			added_obstacle, added_target, added_navigable, steer_deg, summaries
		FROM cycles
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := ml.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent cycles: %w", err)
	}
	defer rows.Close()

	var out []CycleReport
	for rows.Next() {
		var (
			r             CycleReport
			obs, tgt, nav int
			steer         sql.NullFloat64
			summaries     string
		)
		if err := rows.Scan(&r.CycleID, &r.Timestamp, &r.Pose.X, &r.Pose.Y, &r.Pose.Yaw, &r.Pose.Pitch, &r.Pose.Roll,
			&r.GateOpen, &obs, &tgt, &nav, &steer, &summaries); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		r.Added = map[string]int{
			ChannelObstacle.String():  obs,
			ChannelTarget.String():    tgt,
			ChannelNavigable.String(): nav,
		}
		if steer.Valid {
			v := steer.Float64
			r.SteerDeg = &v
		}
		if err := json.Unmarshal([]byte(summaries), &r.Summaries); err != nil {
			return nil, fmt.Errorf("decode summaries for %s: %w", r.CycleID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Totals aggregates the whole log.
func (ml *MissionLog) Totals(ctx context.Context) (MissionTotals, error) {
	query := `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN gate_open = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(added_obstacle), 0),
			COALESCE(SUM(added_target), 0),
			COALESCE(SUM(added_navigable), 0)
		FROM cycles
	`
	var (
		t             MissionTotals
		obs, tgt, nav int64
	)
	if err := ml.QueryRowContext(ctx, query).Scan(&t.Cycles, &t.GateClosed, &obs, &tgt, &nav); err != nil {
		return MissionTotals{}, fmt.Errorf("query mission totals: %w", err)
	}
	t.Added = map[string]int64{
		ChannelObstacle.String():  obs,
		ChannelTarget.String():    tgt,
		ChannelNavigable.String(): nav,
	}
	return t, nil
}
