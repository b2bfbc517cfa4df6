package repo

import (
	"context"
	"database/sql"
	"fmt"

	"verdant/internal/domain"
)

// InsertTreatments batch-inserts treatment rows for a plant inside one
// transaction. The plant must already exist; orchestration guarantees the
// ordering, but the check stays because the store owns the invariant.
func (r Repo) InsertTreatments(ctx context.Context, plantID string, treatments []domain.Treatment) error {
	if len(treatments) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM plants WHERE id=?`, plantID).Scan(&exists)
	if err == sql.ErrNoRows {
		return fmt.Errorf("plant %s: %w", plantID, ErrNotFound)
	}
	if err != nil {
		return err
	}

	for _, t := range treatments {
		if _, err := tx.ExecContext(ctx, `INSERT INTO treatments(id,plant_id,step,description,date,completed) VALUES (?,?,?,?,?,?)`,
			t.ID, plantID, t.Step, t.Description, t.Date, boolToInt(t.Completed)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SetTreatmentCompleted toggles the completed flag. The join scopes the write
// to the owner; a treatment on someone else's plant is ErrNotFound.
func (r Repo) SetTreatmentCompleted(ctx context.Context, ownerID, treatmentID string, completed bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE treatments SET completed=? WHERE id=? AND plant_id IN (SELECT id FROM plants WHERE owner_id=?)`,
		boolToInt(completed), treatmentID, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTreatment fetches a single treatment scoped to the owner.
func (r Repo) GetTreatment(ctx context.Context, ownerID, treatmentID string) (domain.Treatment, error) {
	var t domain.Treatment
	var completed int
	err := r.DB.QueryRowContext(ctx, `SELECT t.id,t.plant_id,t.step,t.description,t.date,t.completed FROM treatments t JOIN plants p ON p.id=t.plant_id WHERE t.id=? AND p.owner_id=?`,
		treatmentID, ownerID).Scan(&t.ID, &t.PlantID, &t.Step, &t.Description, &t.Date, &completed)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Completed = completed != 0
	return t, nil
}

func (r Repo) listTreatments(ctx context.Context, plantID string) ([]domain.Treatment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,plant_id,step,description,date,completed FROM treatments WHERE plant_id=? ORDER BY step ASC`, plantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Treatment
	for rows.Next() {
		var t domain.Treatment
		var completed int
		if err := rows.Scan(&t.ID, &t.PlantID, &t.Step, &t.Description, &t.Date, &completed); err != nil {
			return nil, err
		}
		t.Completed = completed != 0
		res = append(res, t)
	}
	return res, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
