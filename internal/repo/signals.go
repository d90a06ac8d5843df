package repo

import (
	"context"
	"database/sql"
	"strings"

	"pulseline/internal/domain"
)

const signalColumns = `id,org_id,source_solution,signal_type,severity,entity_kind,entity_reference,title,COALESCE(description,''),detected_at,acknowledged,acknowledged_by,acknowledged_at,metadata_json`

func scanSignal(scan func(dest ...any) error) (domain.Signal, error) {
	var s domain.Signal
	var ackBy, ackAt, meta sql.NullString
	var acked int
	err := scan(&s.ID, &s.OrgID, &s.SourceSolution, &s.SignalType, &s.Severity, &s.EntityKind, &s.EntityRef,
		&s.Title, &s.Description, &s.DetectedAt, &acked, &ackBy, &ackAt, &meta)
	if err != nil {
		return s, err
	}
	s.Acknowledged = acked != 0
	if ackBy.Valid {
		s.AcknowledgedBy = &ackBy.String
	}
	if ackAt.Valid {
		s.AcknowledgedAt = &ackAt.String
	}
	if meta.Valid {
		s.MetadataJSON = &meta.String
	}
	return s, nil
}

func (r Repo) InsertSignal(ctx context.Context, tx *sql.Tx, s domain.Signal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO signals(id,org_id,source_solution,signal_type,severity,entity_kind,entity_reference,title,description,detected_at,acknowledged,acknowledged_by,acknowledged_at,metadata_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.OrgID, s.SourceSolution, s.SignalType, s.Severity, s.EntityKind, s.EntityRef, s.Title,
		nullable(s.Description), s.DetectedAt, boolInt(s.Acknowledged), nullableStringPtr(s.AcknowledgedBy),
		nullableStringPtr(s.AcknowledgedAt), nullableStringPtr(s.MetadataJSON))
	return err
}

func (r Repo) GetSignal(ctx context.Context, orgID, id string) (domain.Signal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE id=? AND org_id=?`, id, orgID)
	s, err := scanSignal(row.Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) GetSignalTx(ctx context.Context, tx *sql.Tx, orgID, id string) (domain.Signal, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE id=? AND org_id=?`, id, orgID)
	s, err := scanSignal(row.Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

type SignalFilters struct {
	OrgID           string
	Severity        string
	Source          string
	SignalType      string
	Acknowledged    *bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListSignals(ctx context.Context, f SignalFilters) ([]domain.Signal, error) {
	clauses := []string{"org_id=?"}
	args := []any{f.OrgID}
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	if f.Source != "" {
		clauses = append(clauses, "source_solution=?")
		args = append(args, f.Source)
	}
	if f.SignalType != "" {
		clauses = append(clauses, "signal_type=?")
		args = append(args, f.SignalType)
	}
	if f.Acknowledged != nil {
		clauses = append(clauses, "acknowledged=?")
		args = append(args, boolInt(*f.Acknowledged))
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(detected_at < ? OR (detected_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + signalColumns + ` FROM signals WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY detected_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// OpenDuplicateExists reports whether an unacknowledged signal with the same
// entity reference and type exists, optionally restricted to detections at or
// after sinceTS (empty means any open duplicate counts).
func (r Repo) OpenDuplicateExists(ctx context.Context, tx *sql.Tx, orgID, entityRef, signalType, sinceTS string) (bool, error) {
	query := `SELECT 1 FROM signals WHERE org_id=? AND entity_reference=? AND signal_type=? AND acknowledged=0`
	args := []any{orgID, entityRef, signalType}
	if sinceTS != "" {
		query += ` AND detected_at >= ?`
		args = append(args, sinceTS)
	}
	query += ` LIMIT 1`
	var one int
	var err error
	if tx != nil {
		err = tx.QueryRowContext(ctx, query, args...).Scan(&one)
	} else {
		err = r.DB.QueryRowContext(ctx, query, args...).Scan(&one)
	}
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r Repo) MarkSignalAcknowledged(ctx context.Context, tx *sql.Tx, orgID, id, actorID, ts string) error {
	res, err := tx.ExecContext(ctx, `UPDATE signals SET acknowledged=1, acknowledged_by=?, acknowledged_at=? WHERE id=? AND org_id=?`,
		actorID, ts, id, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type SignalSummary struct {
	Total          int            `json:"total"`
	Unacknowledged int            `json:"unacknowledged"`
	BySeverity     map[string]int `json:"by_severity"`
	BySource       map[string]int `json:"by_source"`
}

func (r Repo) SummarizeSignals(ctx context.Context, orgID string) (SignalSummary, error) {
	sum := SignalSummary{BySeverity: map[string]int{}, BySource: map[string]int{}}
	rows, err := r.DB.QueryContext(ctx, `SELECT severity, source_solution, acknowledged, count(*) FROM signals WHERE org_id=? GROUP BY severity, source_solution, acknowledged`, orgID)
	if err != nil {
		return sum, err
	}
	defer rows.Close()
	for rows.Next() {
		var severity, source string
		var acked, count int
		if err := rows.Scan(&severity, &source, &acked, &count); err != nil {
			return sum, err
		}
		sum.Total += count
		sum.BySeverity[severity] += count
		sum.BySource[source] += count
		if acked == 0 {
			sum.Unacknowledged += count
		}
	}
	return sum, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
