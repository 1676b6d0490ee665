package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hospital/frontdesk/internal/config"
	"github.com/hospital/frontdesk/internal/domain/appointment"
	"github.com/hospital/frontdesk/internal/platform/db"
	"github.com/hospital/frontdesk/internal/platform/kvstore"
	"github.com/hospital/frontdesk/migrations"
)

func newMemoryServer(t *testing.T) *server {
	t.Helper()
	return newServerWithKV(t, kvstore.NewMemory())
}

func newServerWithKV(t *testing.T, kv kvstore.Store) *server {
	t.Helper()
	cfg := &config.Config{
		Env:             "development",
		StorageBackend:  config.BackendMemory,
		KVBackend:       config.BackendMemory,
		DefaultFacility: "main",
		CORSOrigins:     []string{"http://localhost:3000"},
		RateLimitRPS:    1000,
		RateLimitBurst:  1000,
	}
	b := &backends{
		appointments: appointment.NewMemRepo(),
		kv:           kv,
	}
	return newServer(cfg, zerolog.Nop(), b, time.Local)
}

func do(t *testing.T, s *server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	s := newMemoryServer(t)
	rec := do(t, s, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["version"] != version {
		t.Errorf("unexpected health body: %v", body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
}

func TestServer_AppointmentRoundTrip(t *testing.T) {
	s := newMemoryServer(t)
	today := time.Now().Format("2006-01-02")
	body := `{"patientId":"p-1","patientName":"Asha Rao","date":"` + today + `","time":"09:30 AM","doctor":"Dr. Mehta","department":"cardiology","fee":500}`

	rec := do(t, s, http.MethodPost, "/api/v1/appointments", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, http.MethodGet, "/api/v1/appointments?q=asha", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var list struct {
		Data  []appointment.View `json:"data"`
		Total int                `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 || len(list.Data) != 1 {
		t.Fatalf("expected one appointment, got %+v", list)
	}
	if list.Data[0].Token == nil || *list.Data[0].Token != 1 {
		t.Errorf("expected token 1, got %v", list.Data[0].Token)
	}
}

func TestServer_FacilitiesAreIsolated(t *testing.T) {
	s := newMemoryServer(t)
	today := time.Now().Format("2006-01-02")
	body := `{"patientId":"p-1","patientName":"Asha Rao","date":"` + today + `","time":"09:30 AM","doctor":"Dr. Mehta","department":"cardiology","fee":500}`

	if rec := do(t, s, http.MethodPost, "/api/v1/appointments", body, map[string]string{"X-Facility-ID": "east"}); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	rec := do(t, s, http.MethodGet, "/api/v1/appointments", "", map[string]string{"X-Facility-ID": "west"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "Asha Rao") {
		t.Error("appointment leaked across facilities")
	}

	rec = do(t, s, http.MethodGet, "/api/v1/appointments", "", map[string]string{"X-Facility-ID": "bad-id!"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid facility, got %d", rec.Code)
	}
}

func TestServer_ConsultationSessions(t *testing.T) {
	s := newMemoryServer(t)
	today := time.Now().Format("2006-01-02")
	start := `{"patientId":"p-9","patientName":"Ravi Kumar","visitDate":"` + today + `"}`
	tabA := map[string]string{"X-Session-ID": "tab-a"}
	tabB := map[string]string{"X-Session-ID": "tab-b"}

	rec := do(t, s, http.MethodPost, "/api/v1/consultations", start, tabA)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, http.MethodGet, "/api/v1/consultations/active", "", tabB)
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 for another session, got %d", rec.Code)
	}

	rec = do(t, s, http.MethodPatch, "/api/v1/consultations/active", `{"chiefComplaint":"fever"}`, tabA)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, s, http.MethodPost, "/api/v1/consultations/active/complete", "", tabA)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, http.MethodGet, "/api/v1/patients/p-9/consultations/incomplete", "", tabA)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"count":0`) {
		t.Errorf("expected no incomplete visits, got %s", rec.Body.String())
	}
}

func TestMigrationSource_Embedded(t *testing.T) {
	if migrationSource("") != migrations.FS {
		t.Error("expected embedded migrations for an empty dir")
	}
	if migrationSource(t.TempDir()) == migrations.FS {
		t.Error("expected a directory source")
	}
}

// pingingKV is a slot store that reports its server health like Redis does.
type pingingKV struct {
	*kvstore.Memory
	err error
}

func (p pingingKV) Ping(context.Context) error { return p.err }

var _ db.Pinger = pingingKV{}

func TestServer_KVHealth(t *testing.T) {
	s := newServerWithKV(t, pingingKV{Memory: kvstore.NewMemory()})
	if rec := do(t, s, http.MethodGet, "/health/kv", "", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	s = newServerWithKV(t, pingingKV{Memory: kvstore.NewMemory(), err: errors.New("connection refused")})
	rec := do(t, s, http.MethodGet, "/health/kv", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("expected the ping error in the body, got %s", rec.Body.String())
	}
}

func TestServer_KVHealthOnlyForPingableStores(t *testing.T) {
	s := newMemoryServer(t)
	if rec := do(t, s, http.MethodGet, "/health/kv", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a pingable store, got %d", rec.Code)
	}
}
