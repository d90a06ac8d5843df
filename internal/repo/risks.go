package repo

import (
	"context"
	"database/sql"
	"strings"

	"pulseline/internal/domain"
)

const riskColumns = `id,org_id,domain,risk_type,title,COALESCE(description,''),probability_score,impact_score,risk_score,status,created_at,updated_at`

func scanRisk(scan func(dest ...any) error) (domain.Risk, error) {
	var rk domain.Risk
	err := scan(&rk.ID, &rk.OrgID, &rk.Domain, &rk.RiskType, &rk.Title, &rk.Description,
		&rk.Probability, &rk.Impact, &rk.Score, &rk.Status, &rk.CreatedAt, &rk.UpdatedAt)
	return rk, err
}

func (r Repo) InsertRisk(ctx context.Context, tx *sql.Tx, rk domain.Risk) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO risks(id,org_id,domain,risk_type,title,description,probability_score,impact_score,risk_score,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rk.ID, rk.OrgID, rk.Domain, rk.RiskType, rk.Title, nullable(rk.Description),
		rk.Probability, rk.Impact, rk.Score, rk.Status, rk.CreatedAt, rk.UpdatedAt)
	return err
}

func (r Repo) GetRisk(ctx context.Context, orgID, id string) (domain.Risk, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+riskColumns+` FROM risks WHERE id=? AND org_id=?`, id, orgID)
	rk, err := scanRisk(row.Scan)
	if err == sql.ErrNoRows {
		return rk, ErrNotFound
	}
	return rk, err
}

func (r Repo) GetRiskTx(ctx context.Context, tx *sql.Tx, orgID, id string) (domain.Risk, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+riskColumns+` FROM risks WHERE id=? AND org_id=?`, id, orgID)
	rk, err := scanRisk(row.Scan)
	if err == sql.ErrNoRows {
		return rk, ErrNotFound
	}
	return rk, err
}

type RiskFilters struct {
	OrgID           string
	Status          string
	Domain          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRisks(ctx context.Context, f RiskFilters) ([]domain.Risk, error) {
	clauses := []string{"org_id=?"}
	args := []any{f.OrgID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Domain != "" {
		clauses = append(clauses, "domain=?")
		args = append(args, f.Domain)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + riskColumns + ` FROM risks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Risk
	for rows.Next() {
		rk, err := scanRisk(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rk)
	}
	return res, rows.Err()
}

// ListOpenRisks returns every risk not in CLOSED status for heatmap bucketing.
func (r Repo) ListOpenRisks(ctx context.Context, orgID string) ([]domain.Risk, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+riskColumns+` FROM risks WHERE org_id=? AND status != ? ORDER BY created_at DESC, id DESC`,
		orgID, domain.RiskClosed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Risk
	for rows.Next() {
		rk, err := scanRisk(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rk)
	}
	return res, rows.Err()
}

func (r Repo) UpdateRiskStatus(ctx context.Context, tx *sql.Tx, orgID, id string, status domain.RiskStatus, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE risks SET status=?, updated_at=? WHERE id=? AND org_id=?`,
		status, updatedAt, id, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertRiskHistory(ctx context.Context, tx *sql.Tx, h domain.RiskHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO risk_history(risk_id,action,notes,actor_id,ts) VALUES (?,?,?,?,?)`,
		h.RiskID, h.Action, h.Notes, h.ActorID, h.TS)
	return err
}

func (r Repo) ListRiskHistory(ctx context.Context, riskID string) ([]domain.RiskHistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,risk_id,action,COALESCE(notes,''),actor_id,ts FROM risk_history WHERE risk_id=? ORDER BY id ASC`, riskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RiskHistoryEntry
	for rows.Next() {
		var h domain.RiskHistoryEntry
		if err := rows.Scan(&h.ID, &h.RiskID, &h.Action, &h.Notes, &h.ActorID, &h.TS); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}
