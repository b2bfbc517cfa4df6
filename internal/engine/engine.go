package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"verdant/internal/config"
	"verdant/internal/domain"
	"verdant/internal/events"
	"verdant/internal/oracle"
	"verdant/internal/repo"
	"verdant/internal/storage"
)

// Stage names the pipeline step an upload operation is in.
type Stage string

const (
	StageUpload    Stage = "upload"
	StageDiagnosis Stage = "diagnosis"
	StageDerive    Stage = "derive"
	StagePersist   Stage = "persist"
)

// Progress milestones reported to callers, advisory only.
var stagePercent = map[Stage]int{
	StageUpload:    25,
	StageDiagnosis: 50,
	StageDerive:    75,
	StagePersist:   100,
}

// StageError reports which pipeline stage failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ErrNoImage is returned when an upload carries no image bytes.
var ErrNoImage = errors.New("image data is required")

// ProgressFunc receives advisory milestone updates during an upload.
type ProgressFunc func(stage Stage, percent int)

// Engine coordinates the upload-diagnose-persist pipeline. All collaborators
// are injected; the engine holds no state of its own across operations.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Store  storage.Store
	Oracle oracle.Client
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, store storage.Store, oc oracle.Client) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Store:  store,
		Oracle: oc,
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreatePlantOptions are parameters for one upload operation.
type CreatePlantOptions struct {
	OwnerID string
	Image   []byte
	Ext     string
	// AllowFallback substitutes the static general-care diagnosis when the
	// oracle is unreachable or has no credential. Caller policy, not a retry.
	AllowFallback bool
	Progress      ProgressFunc
}

// CreatePlantFromImage runs upload -> diagnose -> derive -> persist as a
// linear chain. Failure at any stage aborts the rest; nothing earlier is
// rolled back. A stored image without a plant row (diagnosis failure) and a
// plant row without treatments (treatment batch failure) are accepted
// partial states.
func (e Engine) CreatePlantFromImage(ctx context.Context, opts CreatePlantOptions) (domain.Plant, error) {
	if len(opts.Image) == 0 {
		return domain.Plant{}, ErrNoImage
	}
	if opts.OwnerID == "" {
		return domain.Plant{}, errors.New("owner is required")
	}
	progress := opts.Progress
	if progress == nil {
		progress = func(Stage, int) {}
	}

	progress(StageUpload, stagePercent[StageUpload])
	imageURL, err := e.Store.Put(ctx, opts.OwnerID, opts.Image, opts.Ext)
	if err != nil {
		return domain.Plant{}, &StageError{Stage: StageUpload, Err: err}
	}

	progress(StageDiagnosis, stagePercent[StageDiagnosis])
	diag, err := e.Oracle.Diagnose(ctx, imageURL)
	if err != nil {
		if !opts.AllowFallback || !oracle.Unreachable(err) {
			return domain.Plant{}, &StageError{Stage: StageDiagnosis, Err: err}
		}
		diag = oracle.Fallback()
		e.appendEvent(ctx, "diagnosis.fallback", opts.OwnerID, "plant", "", events.EventPayload{"cause": err.Error()})
	}

	progress(StageDerive, stagePercent[StageDerive])
	now := e.now().UTC()
	drafts := DeriveTreatments(diag.Recommendations, now)

	progress(StagePersist, stagePercent[StagePersist])
	plant := domain.Plant{
		ID:        uuid.NewString(),
		OwnerID:   opts.OwnerID,
		ImageURL:  imageURL,
		Name:      &diag.PlantName,
		Diagnosis: diag,
		CreatedAt: now.Format(time.RFC3339),
	}
	if err := e.Repo.InsertPlant(ctx, plant); err != nil {
		return domain.Plant{}, &StageError{Stage: StagePersist, Err: err}
	}
	for i := range drafts {
		drafts[i].ID = uuid.NewString()
		drafts[i].PlantID = plant.ID
	}
	if err := e.Repo.InsertTreatments(ctx, plant.ID, drafts); err != nil {
		// The plant row stays; callers see the persist failure and the
		// record has zero treatments.
		return domain.Plant{}, &StageError{Stage: StagePersist, Err: err}
	}
	plant.Treatments = drafts

	e.appendEvent(ctx, "plant.created", opts.OwnerID, "plant", plant.ID, events.EventPayload{
		"plant_name": diag.PlantName,
		"treatments": len(drafts),
	})
	return plant, nil
}

// ListPlants returns the owner's plants, newest first.
func (e Engine) ListPlants(ctx context.Context, ownerID string) ([]domain.Plant, error) {
	return e.Repo.ListPlants(ctx, ownerID)
}

// GetPlant returns one plant with treatments ordered by step.
func (e Engine) GetPlant(ctx context.Context, ownerID, plantID string) (domain.Plant, error) {
	return e.Repo.GetPlant(ctx, ownerID, plantID)
}

// DeletePlant removes a plant and, by cascade, its treatments.
func (e Engine) DeletePlant(ctx context.Context, ownerID, plantID string) error {
	if err := e.Repo.DeletePlant(ctx, ownerID, plantID); err != nil {
		return err
	}
	e.appendEvent(ctx, "plant.deleted", ownerID, "plant", plantID, nil)
	return nil
}

// CompleteTreatment sets a treatment's completed flag.
func (e Engine) CompleteTreatment(ctx context.Context, ownerID, treatmentID string, completed bool) (domain.Treatment, error) {
	if err := e.Repo.SetTreatmentCompleted(ctx, ownerID, treatmentID, completed); err != nil {
		return domain.Treatment{}, err
	}
	t, err := e.Repo.GetTreatment(ctx, ownerID, treatmentID)
	if err != nil {
		return domain.Treatment{}, err
	}
	e.appendEvent(ctx, "treatment.completed", ownerID, "treatment", treatmentID, events.EventPayload{
		"completed": completed,
		"step":      t.Step,
	})
	return t, nil
}

// appendEvent records an audit event. Audit writes never fail the operation
// that produced them, but a broken events table must show up in server logs.
func (e Engine) appendEvent(ctx context.Context, evtType, ownerID, entityKind, entityID string, payload events.EventPayload) {
	if err := e.Events.Append(ctx, evtType, ownerID, entityKind, entityID, payload); err != nil {
		log.Printf("events: append %s failed: %v", evtType, err)
	}
}
