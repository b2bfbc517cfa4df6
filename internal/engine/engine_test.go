package engine_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"verdant/internal/config"
	"verdant/internal/db"
	"verdant/internal/domain"
	"verdant/internal/engine"
	"verdant/internal/migrate"
	"verdant/internal/oracle"
)

type stubStore struct {
	puts int
	fail error
}

func (s *stubStore) Put(ctx context.Context, ownerID string, data []byte, ext string) (string, error) {
	if s.fail != nil {
		return "", s.fail
	}
	s.puts++
	return fmt.Sprintf("http://localhost:8080/images/%s/%d.%s", ownerID, s.puts, ext), nil
}

type stubOracle struct {
	result *domain.DiagnosisResult
	err    error
	calls  int
}

func (s *stubOracle) Diagnose(ctx context.Context, imageURL string) (*domain.DiagnosisResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := *s.result
	return &out, nil
}

func healthyDiagnosis() *domain.DiagnosisResult {
	return &domain.DiagnosisResult{
		PlantName:  "Epipremnum aureum",
		Confidence: 0.93,
		Issues: []domain.Issue{
			{Name: "Yellowing leaves", Severity: "low", Description: "Older leaves yellowing", Causes: []string{"Natural aging"}},
		},
		Recommendations: []domain.Recommendation{
			{Action: "Trim yellow leaves", Timeline: "Today", Priority: 1},
			{Action: "Move closer to window", Timeline: "This week", Priority: 2},
			{Action: "Repot into fresh soil", Timeline: "This month", Priority: 3},
		},
	}
}

type testEnv struct {
	Engine engine.Engine
	Store  *stubStore
	Oracle *stubOracle
	Ctx    context.Context
}

func newTestEnv(t *testing.T, oc *stubOracle) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := &stubStore{}
	cfg := config.Default()
	eng := engine.New(conn, cfg, store, oc)
	eng.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Store: store, Oracle: oc, Ctx: context.Background()}
}

func TestCreatePlantFromImage(t *testing.T) {
	env := newTestEnv(t, &stubOracle{result: healthyDiagnosis()})
	plant, err := env.Engine.CreatePlantFromImage(env.Ctx, engine.CreatePlantOptions{
		OwnerID: "alice",
		Image:   []byte("jpeg-bytes"),
		Ext:     "jpg",
	})
	if err != nil {
		t.Fatalf("create plant: %v", err)
	}
	if plant.Name == nil || *plant.Name != "Epipremnum aureum" {
		t.Fatalf("expected name from diagnosis, got %v", plant.Name)
	}
	if len(plant.Treatments) != 3 {
		t.Fatalf("expected 3 treatments, got %d", len(plant.Treatments))
	}
	wantDates := []string{"2025-03-01", "2025-03-02", "2025-03-03"}
	for i, tr := range plant.Treatments {
		if tr.Step != i+1 {
			t.Fatalf("treatment %d: expected step %d, got %d", i, i+1, tr.Step)
		}
		if tr.Date != wantDates[i] {
			t.Fatalf("treatment %d: expected date %s, got %s", i, wantDates[i], tr.Date)
		}
		if tr.Completed {
			t.Fatalf("treatment %d should start incomplete", i)
		}
	}

	fetched, err := env.Engine.GetPlant(env.Ctx, "alice", plant.ID)
	if err != nil {
		t.Fatalf("get plant: %v", err)
	}
	if fetched.Diagnosis == nil || fetched.Diagnosis.Confidence != 0.93 {
		t.Fatalf("diagnosis did not round trip: %+v", fetched.Diagnosis)
	}
	if len(fetched.Treatments) != 3 {
		t.Fatalf("expected 3 persisted treatments, got %d", len(fetched.Treatments))
	}
}

func TestProgressMilestones(t *testing.T) {
	env := newTestEnv(t, &stubOracle{result: healthyDiagnosis()})
	var stages []engine.Stage
	var percents []int
	_, err := env.Engine.CreatePlantFromImage(env.Ctx, engine.CreatePlantOptions{
		OwnerID: "alice",
		Image:   []byte("jpeg-bytes"),
		Progress: func(stage engine.Stage, percent int) {
			stages = append(stages, stage)
			percents = append(percents, percent)
		},
	})
	if err != nil {
		t.Fatalf("create plant: %v", err)
	}
	wantStages := []engine.Stage{engine.StageUpload, engine.StageDiagnosis, engine.StageDerive, engine.StagePersist}
	wantPercents := []int{25, 50, 75, 100}
	if len(stages) != len(wantStages) {
		t.Fatalf("expected %d milestones, got %d", len(wantStages), len(stages))
	}
	for i := range wantStages {
		if stages[i] != wantStages[i] || percents[i] != wantPercents[i] {
			t.Fatalf("milestone %d: got %s/%d, want %s/%d", i, stages[i], percents[i], wantStages[i], wantPercents[i])
		}
	}
}

func TestEmptyImageRejected(t *testing.T) {
	env := newTestEnv(t, &stubOracle{result: healthyDiagnosis()})
	_, err := env.Engine.CreatePlantFromImage(env.Ctx, engine.CreatePlantOptions{OwnerID: "alice"})
	if !errors.Is(err, engine.ErrNoImage) {
		t.Fatalf("expected ErrNoImage, got %v", err)
	}
	if env.Store.puts != 0 {
		t.Fatalf("nothing should be stored for an empty upload")
	}
}

func TestDiagnosisFailurePersistsNoPlant(t *testing.T) {
	env := newTestEnv(t, &stubOracle{err: fmt.Errorf("garbled: %w", oracle.ErrInvalidOutput)})
	_, err := env.Engine.CreatePlantFromImage(env.Ctx, engine.CreatePlantOptions{
		OwnerID:       "alice",
		Image:         []byte("jpeg-bytes"),
		AllowFallback: true, // parse failures are never fallback-eligible
	})
	var se *engine.StageError
	if !errors.As(err, &se) || se.Stage != engine.StageDiagnosis {
		t.Fatalf("expected diagnosis stage error, got %v", err)
	}
	if env.Store.puts != 1 {
		t.Fatalf("image should have been stored before diagnosis failed")
	}
	plants, err := env.Engine.ListPlants(env.Ctx, "alice")
	if err != nil {
		t.Fatalf("list plants: %v", err)
	}
	if len(plants) != 0 {
		t.Fatalf("no plant row should exist after diagnosis failure, got %d", len(plants))
	}
}

func TestUnreachableOracleUsesFallback(t *testing.T) {
	env := newTestEnv(t, &stubOracle{err: oracle.ErrTimeout})
	plant, err := env.Engine.CreatePlantFromImage(env.Ctx, engine.CreatePlantOptions{
		OwnerID:       "alice",
		Image:         []byte("jpeg-bytes"),
		AllowFallback: true,
	})
	if err != nil {
		t.Fatalf("expected fallback create to succeed: %v", err)
	}
	if plant.Diagnosis == nil || plant.Diagnosis.Confidence != 0.70 {
		t.Fatalf("expected fallback diagnosis, got %+v", plant.Diagnosis)
	}
	if len(plant.Treatments) != 4 {
		t.Fatalf("expected 4 fallback treatments, got %d", len(plant.Treatments))
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "alice", "diagnosis.fallback", "", "")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected a diagnosis.fallback event, got %d", len(evts))
	}
}

func TestUnreachableOracleWithoutFallbackFails(t *testing.T) {
	env := newTestEnv(t, &stubOracle{err: oracle.ErrUnavailable})
	_, err := env.Engine.CreatePlantFromImage(env.Ctx, engine.CreatePlantOptions{
		OwnerID: "alice",
		Image:   []byte("jpeg-bytes"),
	})
	var se *engine.StageError
	if !errors.As(err, &se) || se.Stage != engine.StageDiagnosis {
		t.Fatalf("expected diagnosis stage error, got %v", err)
	}
	if !errors.Is(err, oracle.ErrUnavailable) {
		t.Fatalf("cause should unwrap to ErrUnavailable, got %v", err)
	}
}

func TestUploadFailure(t *testing.T) {
	env := newTestEnv(t, &stubOracle{result: healthyDiagnosis()})
	env.Store.fail = errors.New("disk full")
	_, err := env.Engine.CreatePlantFromImage(env.Ctx, engine.CreatePlantOptions{
		OwnerID: "alice",
		Image:   []byte("jpeg-bytes"),
	})
	var se *engine.StageError
	if !errors.As(err, &se) || se.Stage != engine.StageUpload {
		t.Fatalf("expected upload stage error, got %v", err)
	}
	if env.Oracle.calls != 0 {
		t.Fatalf("oracle must not be consulted when upload fails")
	}
}

func TestDeletePlantRemovesTreatments(t *testing.T) {
	env := newTestEnv(t, &stubOracle{result: healthyDiagnosis()})
	plant, err := env.Engine.CreatePlantFromImage(env.Ctx, engine.CreatePlantOptions{
		OwnerID: "alice",
		Image:   []byte("jpeg-bytes"),
	})
	if err != nil {
		t.Fatalf("create plant: %v", err)
	}
	treatmentID := plant.Treatments[0].ID

	if err := env.Engine.DeletePlant(env.Ctx, "alice", plant.ID); err != nil {
		t.Fatalf("delete plant: %v", err)
	}
	if _, err := env.Engine.GetPlant(env.Ctx, "alice", plant.ID); err == nil {
		t.Fatalf("expected plant to be gone")
	}
	if _, err := env.Engine.CompleteTreatment(env.Ctx, "alice", treatmentID, true); err == nil {
		t.Fatalf("expected treatment to be gone after cascade")
	}
}

func TestCompleteTreatment(t *testing.T) {
	env := newTestEnv(t, &stubOracle{result: healthyDiagnosis()})
	plant, err := env.Engine.CreatePlantFromImage(env.Ctx, engine.CreatePlantOptions{
		OwnerID: "alice",
		Image:   []byte("jpeg-bytes"),
	})
	if err != nil {
		t.Fatalf("create plant: %v", err)
	}
	target := plant.Treatments[1]

	updated, err := env.Engine.CompleteTreatment(env.Ctx, "alice", target.ID, true)
	if err != nil {
		t.Fatalf("complete treatment: %v", err)
	}
	if !updated.Completed || updated.Step != target.Step {
		t.Fatalf("unexpected treatment after completion: %+v", updated)
	}

	if _, err := env.Engine.CompleteTreatment(env.Ctx, "mallory", target.ID, true); err == nil {
		t.Fatalf("other owners must not toggle treatments")
	}
}

func TestEventWriteFailureDoesNotFailOperation(t *testing.T) {
	env := newTestEnv(t, &stubOracle{result: healthyDiagnosis()})
	if _, err := env.Engine.DB.Exec("DROP TABLE events"); err != nil {
		t.Fatalf("drop events table: %v", err)
	}

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	plant, err := env.Engine.CreatePlantFromImage(env.Ctx, engine.CreatePlantOptions{
		OwnerID: "alice",
		Image:   []byte("jpeg-bytes"),
	})
	if err != nil {
		t.Fatalf("create plant: %v", err)
	}
	if _, err := env.Engine.GetPlant(env.Ctx, "alice", plant.ID); err != nil {
		t.Fatalf("plant should be persisted despite audit failure: %v", err)
	}
	if !strings.Contains(buf.String(), "events: append plant.created failed") {
		t.Fatalf("expected audit failure in log, got %q", buf.String())
	}
}
