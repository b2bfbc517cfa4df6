package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"verdant/internal/config"
	"verdant/internal/db"
	"verdant/internal/domain"
	"verdant/internal/engine"
	"verdant/internal/migrate"
	"verdant/internal/oracle"
	"verdant/internal/storage"
)

type stubOracle struct {
	result *domain.DiagnosisResult
	err    error
}

func (s stubOracle) Diagnose(ctx context.Context, imageURL string) (*domain.DiagnosisResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := *s.result
	return &out, nil
}

func testDiagnosis() *domain.DiagnosisResult {
	return &domain.DiagnosisResult{
		PlantName:  "Monstera deliciosa",
		Confidence: 0.91,
		Issues: []domain.Issue{
			{Name: "Leaf spot", Severity: "medium", Description: "Brown spots on lower leaves", Causes: []string{"Overwatering"}},
		},
		Recommendations: []domain.Recommendation{
			{Action: "Remove affected leaves", Timeline: "Today", Priority: 1},
			{Action: "Reduce watering frequency", Timeline: "This week", Priority: 2},
			{Action: "Apply fungicide if spots spread", Timeline: "Within 3 days", Priority: 3},
		},
		CareTips: []domain.CareTip{
			{Icon: "water", Title: "Watering", Description: "Water when top soil is dry"},
		},
	}
}

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, oc oracle.Client) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	cfg.Oracle.Fallback = false
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := storage.NewDiskStore(storage.ImagesDir(workspace), cfg.Storage.PublicBaseURL)
	e := engine.New(conn, cfg, store, oc)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowOwnerHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func ownerHeaders(owner string) map[string]string {
	return map[string]string{"X-Owner-Id": owner}
}

func createPlantBody() map[string]any {
	return map[string]any{
		"image_base64": base64.StdEncoding.EncodeToString([]byte("fake-jpeg-bytes")),
		"ext":          "jpg",
	}
}

func TestCreatePlantPipeline(t *testing.T) {
	srv, cleanup := newTestServer(t, stubOracle{result: testDiagnosis()})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/plants", createPlantBody(), ownerHeaders("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create plant status %d: %s", res.StatusCode, string(data))
	}
	var created PlantResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal plant: %v", err)
	}
	if created.Name == nil || *created.Name != "Monstera deliciosa" {
		t.Fatalf("expected name from diagnosis, got %v", created.Name)
	}
	if created.ImageURL == "" {
		t.Fatalf("expected stored image URL")
	}
	if len(created.Treatments) != 3 {
		t.Fatalf("expected 3 treatments, got %d", len(created.Treatments))
	}
	for i, tr := range created.Treatments {
		if tr.Step != i+1 {
			t.Fatalf("expected step %d, got %d", i+1, tr.Step)
		}
		if tr.Completed {
			t.Fatalf("new treatment %d should not be completed", tr.Step)
		}
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/plants/"+created.ID, nil, ownerHeaders("alice"))
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get plant status %d: %s", getRes.StatusCode, string(getBody))
	}
	var fetched PlantResponse
	if err := json.Unmarshal(getBody, &fetched); err != nil {
		t.Fatalf("unmarshal fetched plant: %v", err)
	}
	if len(fetched.Treatments) != 3 {
		t.Fatalf("expected 3 treatments on fetch, got %d", len(fetched.Treatments))
	}
	if fetched.Diagnosis == nil || fetched.Diagnosis.Confidence != 0.91 {
		t.Fatalf("expected diagnosis round trip, got %+v", fetched.Diagnosis)
	}
}

func TestOwnerIsolation(t *testing.T) {
	srv, cleanup := newTestServer(t, stubOracle{result: testDiagnosis()})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/plants", createPlantBody(), ownerHeaders("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create plant status %d: %s", res.StatusCode, string(data))
	}
	var created PlantResponse
	_ = json.Unmarshal(data, &created)

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/plants", nil, ownerHeaders("bob"))
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", listRes.StatusCode, string(listBody))
	}
	var items []PlantResponse
	if err := json.Unmarshal(listBody, &items); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty list for other owner, got %d", len(items))
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/plants/"+created.ID, nil, ownerHeaders("bob"))
	if getRes.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for other owner, got %d %s", getRes.StatusCode, string(getBody))
	}
	delRes, delBody := doJSON(t, client, http.MethodDelete, srv.URL+"/v0/plants/"+created.ID, nil, ownerHeaders("bob"))
	if delRes.StatusCode != http.StatusNotFound {
		t.Fatalf("expected delete 404 for other owner, got %d %s", delRes.StatusCode, string(delBody))
	}
}

func TestDeletePlantCascades(t *testing.T) {
	srv, cleanup := newTestServer(t, stubOracle{result: testDiagnosis()})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/plants", createPlantBody(), ownerHeaders("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create plant status %d: %s", res.StatusCode, string(data))
	}
	var created PlantResponse
	_ = json.Unmarshal(data, &created)
	treatmentID := created.Treatments[0].ID

	delRes, delBody := doJSON(t, client, http.MethodDelete, srv.URL+"/v0/plants/"+created.ID, nil, ownerHeaders("alice"))
	if delRes.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d: %s", delRes.StatusCode, string(delBody))
	}

	againRes, againBody := doJSON(t, client, http.MethodDelete, srv.URL+"/v0/plants/"+created.ID, nil, ownerHeaders("alice"))
	if againRes.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete expected 404, got %d %s", againRes.StatusCode, string(againBody))
	}

	patchRes, patchBody := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/treatments/"+treatmentID, map[string]any{
		"completed": true,
	}, ownerHeaders("alice"))
	if patchRes.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for cascaded treatment, got %d %s", patchRes.StatusCode, string(patchBody))
	}
}

func TestCompleteTreatment(t *testing.T) {
	srv, cleanup := newTestServer(t, stubOracle{result: testDiagnosis()})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/plants", createPlantBody(), ownerHeaders("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create plant status %d: %s", res.StatusCode, string(data))
	}
	var created PlantResponse
	_ = json.Unmarshal(data, &created)
	treatmentID := created.Treatments[1].ID

	patchRes, patchBody := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/treatments/"+treatmentID, map[string]any{
		"completed": true,
	}, ownerHeaders("alice"))
	if patchRes.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", patchRes.StatusCode, string(patchBody))
	}
	var updated TreatmentResponse
	if err := json.Unmarshal(patchBody, &updated); err != nil {
		t.Fatalf("unmarshal treatment: %v", err)
	}
	if !updated.Completed {
		t.Fatalf("expected treatment completed")
	}

	undoRes, undoBody := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/treatments/"+treatmentID, map[string]any{
		"completed": false,
	}, ownerHeaders("alice"))
	if undoRes.StatusCode != http.StatusOK {
		t.Fatalf("undo status %d: %s", undoRes.StatusCode, string(undoBody))
	}
	var undone TreatmentResponse
	_ = json.Unmarshal(undoBody, &undone)
	if undone.Completed {
		t.Fatalf("expected treatment not completed after undo")
	}
}

func TestDiagnosisFailureReturnsBadGateway(t *testing.T) {
	srv, cleanup := newTestServer(t, stubOracle{err: fmt.Errorf("parse response: %w", oracle.ErrInvalidOutput)})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/plants", createPlantBody(), ownerHeaders("alice"))
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "diagnosis_failed" {
		t.Fatalf("expected diagnosis_failed code, got %q", envelope.Error.Code)
	}

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/plants", nil, ownerHeaders("alice"))
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", listRes.StatusCode, string(listBody))
	}
	var items []PlantResponse
	_ = json.Unmarshal(listBody, &items)
	if len(items) != 0 {
		t.Fatalf("failed diagnosis must not persist a plant, got %d", len(items))
	}
}

func TestUnreachableOracleFallsBack(t *testing.T) {
	srv, cleanup := newTestServer(t, stubOracle{err: oracle.ErrUnavailable})
	defer cleanup()
	client := srv.Client()

	body := createPlantBody()
	body["use_fallback"] = true
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/plants", body, ownerHeaders("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected fallback create 201, got %d %s", res.StatusCode, string(data))
	}
	var created PlantResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal plant: %v", err)
	}
	if created.Diagnosis == nil || created.Diagnosis.Confidence != 0.70 {
		t.Fatalf("expected fallback diagnosis, got %+v", created.Diagnosis)
	}
	if len(created.Treatments) != 4 {
		t.Fatalf("expected 4 fallback treatments, got %d", len(created.Treatments))
	}
}

func TestMissingImageRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, stubOracle{result: testDiagnosis()})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/plants", map[string]any{
		"image_base64": "",
	}, ownerHeaders("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing image, got %d %s", res.StatusCode, string(data))
	}
}

func TestTraversingOwnerHeaderRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, stubOracle{result: testDiagnosis()})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/plants", createPlantBody(), ownerHeaders("../escaped"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for traversing owner id, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("expected bad_request, got %q", envelope.Error.Code)
	}
}

func TestRequestsWithoutOwnerRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, stubOracle{result: testDiagnosis()})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/plants", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}
}
