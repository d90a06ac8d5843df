package repo

import (
	"context"
	"database/sql"
	"strings"

	"pulseline/internal/domain"
)

const forecastColumns = `id,org_id,domain,metric_name,horizon,projected_value,confidence_lower,confidence_upper,status,actual_value,accuracy,created_at,completed_at`

func scanForecast(scan func(dest ...any) error) (domain.Forecast, error) {
	var f domain.Forecast
	var actual, accuracy sql.NullFloat64
	var completedAt sql.NullString
	err := scan(&f.ID, &f.OrgID, &f.Domain, &f.MetricName, &f.Horizon, &f.Projected, &f.Lower, &f.Upper,
		&f.Status, &actual, &accuracy, &f.CreatedAt, &completedAt)
	if err != nil {
		return f, err
	}
	if actual.Valid {
		f.Actual = &actual.Float64
	}
	if accuracy.Valid {
		f.Accuracy = &accuracy.Float64
	}
	if completedAt.Valid {
		f.CompletedAt = &completedAt.String
	}
	return f, nil
}

func (r Repo) InsertForecast(ctx context.Context, tx *sql.Tx, f domain.Forecast) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO forecasts(id,org_id,domain,metric_name,horizon,projected_value,confidence_lower,confidence_upper,status,actual_value,accuracy,created_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.OrgID, f.Domain, f.MetricName, f.Horizon, f.Projected, f.Lower, f.Upper, f.Status,
		nullableFloatPtr(f.Actual), nullableFloatPtr(f.Accuracy), f.CreatedAt, nullableStringPtr(f.CompletedAt))
	return err
}

func (r Repo) GetForecast(ctx context.Context, orgID, id string) (domain.Forecast, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+forecastColumns+` FROM forecasts WHERE id=? AND org_id=?`, id, orgID)
	f, err := scanForecast(row.Scan)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

func (r Repo) GetForecastTx(ctx context.Context, tx *sql.Tx, orgID, id string) (domain.Forecast, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+forecastColumns+` FROM forecasts WHERE id=? AND org_id=?`, id, orgID)
	f, err := scanForecast(row.Scan)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

type ForecastFilters struct {
	OrgID           string
	Status          string
	Domain          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListForecasts(ctx context.Context, f ForecastFilters) ([]domain.Forecast, error) {
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
	query := `SELECT ` + forecastColumns + ` FROM forecasts WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Forecast
	for rows.Next() {
		fc, err := scanForecast(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, fc)
	}
	return res, rows.Err()
}

func (r Repo) CompleteForecast(ctx context.Context, tx *sql.Tx, orgID, id string, actual, accuracy float64, completedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE forecasts SET status=?, actual_value=?, accuracy=?, completed_at=? WHERE id=? AND org_id=?`,
		domain.ForecastCompleted, actual, accuracy, completedAt, id, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
