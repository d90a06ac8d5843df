package repo

import (
	"context"
	"database/sql"
	"strings"

	"pulseline/internal/domain"
)

func (r Repo) InsertLearningRecord(ctx context.Context, tx *sql.Tx, rec domain.LearningRecord) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO learning_records(org_id,model_id,prediction_type,prediction_value,feedback,deviation,recorded_at)
VALUES (?,?,?,?,?,?,?)`,
		rec.OrgID, rec.ModelID, rec.PredictionType, rec.PredictionValue, rec.Feedback, rec.Deviation, rec.RecordedAt)
	return err
}

type LearningFilters struct {
	OrgID          string
	ModelID        string
	PredictionType string
	Limit          int
}

func (r Repo) ListLearningRecords(ctx context.Context, f LearningFilters) ([]domain.LearningRecord, error) {
	clauses := []string{"org_id=?"}
	args := []any{f.OrgID}
	if f.ModelID != "" {
		clauses = append(clauses, "model_id=?")
		args = append(args, f.ModelID)
	}
	if f.PredictionType != "" {
		clauses = append(clauses, "prediction_type=?")
		args = append(args, f.PredictionType)
	}
	query := `SELECT id,org_id,model_id,prediction_type,prediction_value,feedback,deviation,recorded_at FROM learning_records WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LearningRecord
	for rows.Next() {
		var rec domain.LearningRecord
		if err := rows.Scan(&rec.ID, &rec.OrgID, &rec.ModelID, &rec.PredictionType, &rec.PredictionValue,
			&rec.Feedback, &rec.Deviation, &rec.RecordedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

type AccuracyBucket struct {
	ModelID        string  `json:"model_id"`
	PredictionType string  `json:"prediction_type"`
	Samples        int     `json:"samples"`
	AvgValue       float64 `json:"avg_prediction_value"`
	AvgDeviation   float64 `json:"avg_deviation"`
}

// AccuracyByModel aggregates learning records grouped by model and prediction type.
func (r Repo) AccuracyByModel(ctx context.Context, orgID string) ([]AccuracyBucket, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT model_id, prediction_type, count(*), AVG(prediction_value), AVG(deviation)
FROM learning_records WHERE org_id=? GROUP BY model_id, prediction_type ORDER BY model_id, prediction_type`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AccuracyBucket
	for rows.Next() {
		var b AccuracyBucket
		var avgValue, avgDeviation sql.NullFloat64
		if err := rows.Scan(&b.ModelID, &b.PredictionType, &b.Samples, &avgValue, &avgDeviation); err != nil {
			return nil, err
		}
		b.AvgValue = avgValue.Float64
		b.AvgDeviation = avgDeviation.Float64
		res = append(res, b)
	}
	return res, rows.Err()
}
