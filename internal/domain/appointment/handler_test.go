package appointment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *echo.Echo) {
	svc, _ := newTestService()
	return NewHandler(svc), echo.New()
}

func jsonRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func expectHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	if he.Code != code {
		t.Errorf("expected status %d, got %d (%v)", code, he.Code, he.Message)
	}
}

func TestHandler_Create(t *testing.T) {
	h, e := newTestHandler()
	body := `{"patientId":"p-1","patientName":"Asha Rao","date":"2024-05-10","time":"09:30 AM","doctor":"Dr. Mehta","department":"cardiology","fee":500}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, body), rec)

	if err := h.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var got View
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Token == nil || *got.Token != 1 {
		t.Errorf("expected token 1, got %v", got.Token)
	}
	if len(got.Actions) == 0 {
		t.Error("expected actions in response")
	}
}

func TestHandler_Create_BadRequest(t *testing.T) {
	h, e := newTestHandler()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"patientId":"p-1"}`), httptest.NewRecorder())
	expectHTTPError(t, h.Create(c), http.StatusBadRequest)
}

func TestHandler_Get_NotFound(t *testing.T) {
	h, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("missing")
	expectHTTPError(t, h.Get(c), http.StatusNotFound)
}

func TestHandler_List(t *testing.T) {
	h, e := newTestHandler()
	for _, name := range []string{"Zoya", "Asha"} {
		a := newAppt(testToday)
		a.PatientName = name
		mustCreate(t, h.svc, a)
	}

	req := httptest.NewRequest(http.MethodGet, "/?date=today&sort=patient&order=desc&limit=1", nil)
	rec := httptest.NewRecorder()
	if err := h.List(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp struct {
		Data    []View `json:"data"`
		Total   int    `json:"total"`
		HasMore bool   `json:"hasMore"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 2 || !resp.HasMore {
		t.Errorf("unexpected envelope: total=%d hasMore=%v", resp.Total, resp.HasMore)
	}
	if len(resp.Data) != 1 || resp.Data[0].PatientName != "Zoya" {
		t.Errorf("unexpected data: %+v", resp.Data)
	}
}

func TestHandler_List_InvalidQuery(t *testing.T) {
	h, e := newTestHandler()
	for _, q := range []string{"?sort=fee", "?order=sideways", "?status=archived", "?payment=refunded"} {
		req := httptest.NewRequest(http.MethodGet, "/"+q, nil)
		expectHTTPError(t, h.List(e.NewContext(req, httptest.NewRecorder())), http.StatusBadRequest)
	}
}

func TestHandler_TransitionStatus(t *testing.T) {
	h, e := newTestHandler()
	a := mustCreate(t, h.svc, newAppt(testToday))

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"status":"waiting"}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID)
	if err := h.TransitionStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"status":"waiting"`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}

	c = e.NewContext(jsonRequest(http.MethodPost, `{"status":"completed"}`), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(a.ID)
	expectHTTPError(t, h.TransitionStatus(c), http.StatusConflict)
}

func TestHandler_CompleteAndCollect(t *testing.T) {
	h, e := newTestHandler()
	a := mustCreate(t, h.svc, newAppt(testToday))

	c := e.NewContext(jsonRequest(http.MethodPost, `{"paid":false}`), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(a.ID)
	if err := h.Complete(c); err != nil {
		t.Fatalf("complete: %v", err)
	}

	c = e.NewContext(jsonRequest(http.MethodPost, `{"paid":true,"method":"cheque","amount":"500"}`), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(a.ID)
	expectHTTPError(t, h.RecordPayment(c), http.StatusBadRequest)

	rec := httptest.NewRecorder()
	c = e.NewContext(jsonRequest(http.MethodPost, `{"paid":true,"method":"cash","amount":"500"}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID)
	if err := h.RecordPayment(c); err != nil {
		t.Fatalf("record payment: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"paymentStatus":"paid"`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandler_Update_NotEditable(t *testing.T) {
	h, e := newTestHandler()
	a := mustCreate(t, h.svc, newAppt(testToday))
	if _, err := h.svc.TransitionStatus(context.Background(), a.ID, "cancelled"); err != nil {
		t.Fatal(err)
	}

	c := e.NewContext(jsonRequest(http.MethodPatch, `{"doctor":"Dr. Iyer"}`), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(a.ID)
	expectHTTPError(t, h.Update(c), http.StatusConflict)
}

func TestHandler_Sessions(t *testing.T) {
	h, e := newTestHandler()
	a := newAppt(testToday)
	a.AppointmentType = TypeSpecialized
	a.ProcedureID = "proc-9"
	a.SessionDay = intPtr(1)
	mustCreate(t, h.svc, a)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("procedureId")
	c.SetParamValues("proc-9")
	if err := h.Sessions(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"current":true`) {
		t.Errorf("expected current session flag, got %s", rec.Body.String())
	}
}
