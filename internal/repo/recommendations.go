package repo

import (
	"context"
	"database/sql"
	"strings"

	"pulseline/internal/domain"
)

const recommendationColumns = `id,org_id,action_type,target_module,title,COALESCE(explanation,''),COALESCE(risk_if_ignored,''),confidence_score,priority,status,ai_generated,source_signal_id,source_risk_id,acted_by,acted_at,COALESCE(acted_notes,''),created_at`

func scanRecommendation(scan func(dest ...any) error) (domain.Recommendation, error) {
	var rec domain.Recommendation
	var srcSignal, srcRisk, actedBy, actedAt sql.NullString
	var aiGenerated int
	err := scan(&rec.ID, &rec.OrgID, &rec.ActionType, &rec.TargetModule, &rec.Title, &rec.Explanation,
		&rec.RiskIfIgnored, &rec.Confidence, &rec.Priority, &rec.Status, &aiGenerated,
		&srcSignal, &srcRisk, &actedBy, &actedAt, &rec.ActedNotes, &rec.CreatedAt)
	if err != nil {
		return rec, err
	}
	rec.AIGenerated = aiGenerated != 0
	if srcSignal.Valid {
		rec.SourceSignalID = &srcSignal.String
	}
	if srcRisk.Valid {
		rec.SourceRiskID = &srcRisk.String
	}
	if actedBy.Valid {
		rec.ActedBy = &actedBy.String
	}
	if actedAt.Valid {
		rec.ActedAt = &actedAt.String
	}
	return rec, nil
}

func (r Repo) InsertRecommendation(ctx context.Context, tx *sql.Tx, rec domain.Recommendation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO recommendations(id,org_id,action_type,target_module,title,explanation,risk_if_ignored,confidence_score,priority,status,ai_generated,source_signal_id,source_risk_id,acted_by,acted_at,acted_notes,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.OrgID, rec.ActionType, rec.TargetModule, rec.Title, nullable(rec.Explanation),
		nullable(rec.RiskIfIgnored), rec.Confidence, rec.Priority, rec.Status, boolInt(rec.AIGenerated),
		nullableStringPtr(rec.SourceSignalID), nullableStringPtr(rec.SourceRiskID),
		nullableStringPtr(rec.ActedBy), nullableStringPtr(rec.ActedAt), rec.ActedNotes, rec.CreatedAt)
	return err
}

func (r Repo) GetRecommendation(ctx context.Context, orgID, id string) (domain.Recommendation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+recommendationColumns+` FROM recommendations WHERE id=? AND org_id=?`, id, orgID)
	rec, err := scanRecommendation(row.Scan)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

func (r Repo) GetRecommendationTx(ctx context.Context, tx *sql.Tx, orgID, id string) (domain.Recommendation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+recommendationColumns+` FROM recommendations WHERE id=? AND org_id=?`, id, orgID)
	rec, err := scanRecommendation(row.Scan)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

type RecommendationFilters struct {
	OrgID           string
	Status          string
	TargetModule    string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRecommendations(ctx context.Context, f RecommendationFilters) ([]domain.Recommendation, error) {
	clauses := []string{"org_id=?"}
	args := []any{f.OrgID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.TargetModule != "" {
		clauses = append(clauses, "target_module=?")
		args = append(args, f.TargetModule)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + recommendationColumns + ` FROM recommendations WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// HasRecommendationForSignal reports whether any recommendation already
// references the signal, regardless of status.
func (r Repo) HasRecommendationForSignal(ctx context.Context, orgID, signalID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM recommendations WHERE org_id=? AND source_signal_id=? LIMIT 1`, orgID, signalID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// HasRecommendationForRisk reports whether any recommendation already
// references the risk, regardless of status.
func (r Repo) HasRecommendationForRisk(ctx context.Context, orgID, riskID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM recommendations WHERE org_id=? AND source_risk_id=? LIMIT 1`, orgID, riskID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) MarkRecommendationActed(ctx context.Context, tx *sql.Tx, orgID, id string, status domain.RecommendationStatus, actorID, notes, ts string) error {
	res, err := tx.ExecContext(ctx, `UPDATE recommendations SET status=?, acted_by=?, acted_at=?, acted_notes=? WHERE id=? AND org_id=?`,
		status, actorID, ts, notes, id, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type RecommendationSummary struct {
	Total       int            `json:"total"`
	Pending     int            `json:"pending"`
	ByStatus    map[string]int `json:"by_status"`
	ByAction    map[string]int `json:"by_action"`
	AIGenerated int            `json:"ai_generated"`
}

func (r Repo) SummarizeRecommendations(ctx context.Context, orgID string) (RecommendationSummary, error) {
	sum := RecommendationSummary{ByStatus: map[string]int{}, ByAction: map[string]int{}}
	rows, err := r.DB.QueryContext(ctx, `SELECT status, action_type, ai_generated, count(*) FROM recommendations WHERE org_id=? GROUP BY status, action_type, ai_generated`, orgID)
	if err != nil {
		return sum, err
	}
	defer rows.Close()
	for rows.Next() {
		var status, action string
		var ai, count int
		if err := rows.Scan(&status, &action, &ai, &count); err != nil {
			return sum, err
		}
		sum.Total += count
		sum.ByStatus[status] += count
		sum.ByAction[action] += count
		if status == string(domain.RecommendationPending) {
			sum.Pending += count
		}
		if ai != 0 {
			sum.AIGenerated += count
		}
	}
	return sum, rows.Err()
}
