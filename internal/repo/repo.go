package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"verdant/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// InsertPlant stores a new plant row. The diagnosis is serialized verbatim.
func (r Repo) InsertPlant(ctx context.Context, p domain.Plant) error {
	var diag any
	if p.Diagnosis != nil {
		data, err := json.Marshal(p.Diagnosis)
		if err != nil {
			return fmt.Errorf("marshal diagnosis: %w", err)
		}
		diag = string(data)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO plants(id,owner_id,image_url,plant_name,diagnosis,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.OwnerID, p.ImageURL, nullableStringPtr(p.Name), diag, p.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("plant %s: %w", p.ID, ErrConflict)
	}
	return err
}

// ListPlants returns the owner's plants, newest first, without treatments.
func (r Repo) ListPlants(ctx context.Context, ownerID string) ([]domain.Plant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,owner_id,image_url,plant_name,diagnosis,created_at FROM plants WHERE owner_id=? ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plant
	for rows.Next() {
		p, err := scanPlant(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// GetPlant returns one plant with its treatments ordered by step. Rows owned
// by other users are invisible, not forbidden: the query simply misses.
func (r Repo) GetPlant(ctx context.Context, ownerID, id string) (domain.Plant, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,owner_id,image_url,plant_name,diagnosis,created_at FROM plants WHERE id=? AND owner_id=?`, id, ownerID)
	p, err := scanPlantRow(row)
	if err != nil {
		return domain.Plant{}, err
	}
	treatments, err := r.listTreatments(ctx, p.ID)
	if err != nil {
		return domain.Plant{}, err
	}
	p.Treatments = treatments
	return p, nil
}

// DeletePlant removes a plant; treatments go with it via FK cascade. Deleting
// an absent (or already deleted) plant fails with ErrNotFound.
func (r Repo) DeletePlant(ctx context.Context, ownerID, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM plants WHERE id=? AND owner_id=?`, id, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type plantScanner interface {
	Scan(dest ...any) error
}

func scanPlant(s plantScanner) (domain.Plant, error) {
	var p domain.Plant
	var name, diag sql.NullString
	if err := s.Scan(&p.ID, &p.OwnerID, &p.ImageURL, &name, &diag, &p.CreatedAt); err != nil {
		return p, err
	}
	if name.Valid {
		p.Name = &name.String
	}
	if diag.Valid && diag.String != "" {
		var d domain.DiagnosisResult
		if err := json.Unmarshal([]byte(diag.String), &d); err != nil {
			return p, fmt.Errorf("decode diagnosis for plant %s: %w", p.ID, err)
		}
		p.Diagnosis = &d
	}
	return p, nil
}

func scanPlantRow(row *sql.Row) (domain.Plant, error) {
	p, err := scanPlant(row)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
