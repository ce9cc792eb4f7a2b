package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fleetwatch/incident-engine/internal/engine"
	"github.com/fleetwatch/incident-engine/internal/models"
	"github.com/fleetwatch/incident-engine/internal/utils"
)

type fakeService struct {
	incidents map[string]models.Incident
	submitted []models.AnomalyEvent
	submitErr error
	ackErr    error
}

func newFakeService() *fakeService {
	return &fakeService{incidents: make(map[string]models.Incident)}
}

func (f *fakeService) Acknowledge(id string) (models.Incident, error) {
	if f.ackErr != nil {
		return models.Incident{}, f.ackErr
	}
	inc, ok := f.incidents[id]
	if !ok {
		return models.Incident{}, engine.ErrNotFound
	}
	inc.Status = models.StatusAcknowledged
	inc.Acknowledged = true
	f.incidents[id] = inc
	return inc, nil
}

func (f *fakeService) SuggestRunbooks(id string, runbooks []string) (models.Incident, error) {
	inc, ok := f.incidents[id]
	if !ok {
		return models.Incident{}, engine.ErrNotFound
	}
	inc.SuggestedRunbooks = append(inc.SuggestedRunbooks, runbooks...)
	f.incidents[id] = inc
	return inc, nil
}

func (f *fakeService) Get(id string) (models.Incident, error) {
	inc, ok := f.incidents[id]
	if !ok {
		return models.Incident{}, engine.ErrNotFound
	}
	return inc, nil
}

func (f *fakeService) List(filter engine.ListFilter) []models.Incident {
	var out []models.Incident
	for _, inc := range f.incidents {
		if filter.Status != "" && inc.Status != filter.Status {
			continue
		}
		if filter.ShipID != "" && inc.ShipID != filter.ShipID {
			continue
		}
		out = append(out, inc)
	}
	return out
}

func (f *fakeService) Submit(ev models.AnomalyEvent) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, ev)
	return nil
}

func newTestAPI(svc IncidentService) http.Handler {
	return New(utils.DiscardLogger(), svc).Router()
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestAPI(newFakeService()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestGetIncident(t *testing.T) {
	svc := newFakeService()
	svc.incidents["inc-1"] = models.Incident{
		ID:     "inc-1",
		ShipID: "viking-star",
		Status: models.StatusOpen,
	}

	rec := httptest.NewRecorder()
	newTestAPI(svc).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/incidents/inc-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var inc models.Incident
	if err := json.NewDecoder(rec.Body).Decode(&inc); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if inc.ID != "inc-1" || inc.ShipID != "viking-star" {
		t.Fatalf("unexpected incident %+v", inc)
	}
}

func TestGetIncidentNotFound(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestAPI(newFakeService()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/incidents/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAcknowledge(t *testing.T) {
	svc := newFakeService()
	svc.incidents["inc-1"] = models.Incident{ID: "inc-1", Status: models.StatusOpen}

	rec := httptest.NewRecorder()
	newTestAPI(svc).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/incidents/inc-1/ack", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if svc.incidents["inc-1"].Status != models.StatusAcknowledged {
		t.Fatal("incident not acknowledged")
	}
}

func TestAcknowledgeConflict(t *testing.T) {
	svc := newFakeService()
	svc.incidents["inc-1"] = models.Incident{ID: "inc-1", Status: models.StatusResolved}
	svc.ackErr = &utils.AppError{Op: "acknowledge", Msg: "incident is RESOLVED"}

	rec := httptest.NewRecorder()
	newTestAPI(svc).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/incidents/inc-1/ack", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestSuggestRunbooks(t *testing.T) {
	svc := newFakeService()
	svc.incidents["inc-1"] = models.Incident{ID: "inc-1", Status: models.StatusOpen}

	body := strings.NewReader(`{"runbooks":["rb-vsat-realign","rb-modem-restart"]}`)
	rec := httptest.NewRecorder()
	newTestAPI(svc).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/incidents/inc-1/runbooks", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := svc.incidents["inc-1"].SuggestedRunbooks; len(got) != 2 {
		t.Fatalf("runbooks = %v, want two entries", got)
	}
}

func TestSuggestRunbooksRequiresBody(t *testing.T) {
	svc := newFakeService()
	svc.incidents["inc-1"] = models.Incident{ID: "inc-1"}

	rec := httptest.NewRecorder()
	newTestAPI(svc).ServeHTTP(rec,
		httptest.NewRequest(http.MethodPost, "/api/v1/incidents/inc-1/runbooks", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListIncidentsFilters(t *testing.T) {
	svc := newFakeService()
	svc.incidents["inc-1"] = models.Incident{ID: "inc-1", ShipID: "viking-star", Status: models.StatusOpen}
	svc.incidents["inc-2"] = models.Incident{ID: "inc-2", ShipID: "sea-spirit", Status: models.StatusResolved}

	rec := httptest.NewRecorder()
	newTestAPI(svc).ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/api/v1/incidents?ship=viking-star&status=OPEN", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Incidents []models.Incident `json:"incidents"`
		Count     int               `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 1 || resp.Incidents[0].ID != "inc-1" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestListIncidentsRejectsBadSince(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestAPI(newFakeService()).ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/api/v1/incidents?since=yesterday", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitEvent(t *testing.T) {
	svc := newFakeService()
	body := strings.NewReader(`{
		"ship_id": "viking-star",
		"domain": "network",
		"anomaly_type": "link_degradation",
		"detector": "threshold-vsat",
		"score": 3.1,
		"threshold": 2.0,
		"timestamp": "` + time.Now().UTC().Format(time.RFC3339) + `"
	}`)

	rec := httptest.NewRecorder()
	newTestAPI(svc).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/events", body))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if len(svc.submitted) != 1 {
		t.Fatalf("submitted = %d events, want 1", len(svc.submitted))
	}
}

func TestSubmitEventOverload(t *testing.T) {
	svc := newFakeService()
	svc.submitErr = engine.ErrOverloaded

	rec := httptest.NewRecorder()
	newTestAPI(svc).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/events",
		strings.NewReader(`{"ship_id":"s1","anomaly_type":"t","detector":"d"}`)))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}
