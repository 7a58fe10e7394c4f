package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/kioskvote/internal/auth"
	"github.com/lvdashuaibi/kioskvote/internal/ballot"
	"github.com/lvdashuaibi/kioskvote/internal/biometric"
	"github.com/lvdashuaibi/kioskvote/internal/kiosk"
	"github.com/lvdashuaibi/kioskvote/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type fakeKiosk struct {
	step  kiosk.Step
	calls []string
	args  []string
	err   error
}

func (f *fakeKiosk) record(name string, args ...string) error {
	f.calls = append(f.calls, name)
	f.args = append(f.args, args...)
	return f.err
}

func (f *fakeKiosk) State(context.Context) kiosk.View { return kiosk.View{Step: f.step} }
func (f *fakeKiosk) ScanTag(_ context.Context, tag string) error {
	return f.record("scan", tag)
}
func (f *fakeKiosk) VerifyFace(_ context.Context, live biometric.Descriptor, ua string) error {
	return f.record("face", ua)
}
func (f *fakeKiosk) SelectElection(_ context.Context, id string) error {
	return f.record("select", id)
}
func (f *fakeKiosk) Choose(p, c string) error           { return f.record("choose", p, c) }
func (f *fakeKiosk) RequestAbstain(p string) error      { return f.record("abstain", p) }
func (f *fakeKiosk) ConfirmAbstain() error              { return f.record("abstain_confirm") }
func (f *fakeKiosk) CancelAbstain() error               { return f.record("abstain_cancel") }
func (f *fakeKiosk) SubmitBallot() error                { return f.record("submit") }
func (f *fakeKiosk) EditBallot() error                  { return f.record("edit") }
func (f *fakeKiosk) ConfirmReview() error               { return f.record("review_confirm") }
func (f *fakeKiosk) Continue() error                    { return f.record("continue") }
func (f *fakeKiosk) ConfirmFinal(context.Context) error { return f.record("final") }
func (f *fakeKiosk) DismissWarning()                    { f.record("dismiss") }
func (f *fakeKiosk) Reset(context.Context) error        { return f.record("reset") }

func init() {
	gin.SetMode(gin.TestMode)
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "kiosk-browser/1.0")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestRoutesDispatchToKiosk(t *testing.T) {
	k := &fakeKiosk{step: kiosk.StepBallot}
	h := NewServer(k, nil, zap.NewNop()).Engine()

	routes := []struct {
		path string
		body interface{}
		call string
	}{
		{"/kiosk/rfid", map[string]string{"tag": " 1234567890 "}, "scan"},
		{"/kiosk/face", map[string]interface{}{"descriptor": []float64{0.1, 0.2}}, "face"},
		{"/kiosk/elections/E1/select", nil, "select"},
		{"/kiosk/ballot/choose", map[string]string{"position": "President", "candidate_id": "c1"}, "choose"},
		{"/kiosk/ballot/abstain", map[string]string{"position": "President"}, "abstain"},
		{"/kiosk/ballot/abstain/confirm", nil, "abstain_confirm"},
		{"/kiosk/ballot/abstain/cancel", nil, "abstain_cancel"},
		{"/kiosk/ballot/submit", nil, "submit"},
		{"/kiosk/review/edit", nil, "edit"},
		{"/kiosk/review/confirm", nil, "review_confirm"},
		{"/kiosk/continue", nil, "continue"},
		{"/kiosk/final/confirm", nil, "final"},
		{"/kiosk/warning/dismiss", nil, "dismiss"},
		{"/kiosk/reset", nil, "reset"},
	}
	for i, r := range routes {
		rec, out := do(t, h, http.MethodPost, r.path, r.body)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d %s", r.path, rec.Code, rec.Body.String())
		}
		if out["step"] != string(kiosk.StepBallot) {
			t.Fatalf("%s: response should carry the state view, got %v", r.path, out)
		}
		if k.calls[i] != r.call {
			t.Fatalf("%s: expected call %s, got %s", r.path, r.call, k.calls[i])
		}
	}

	// 标签去除空白，user agent取自请求头，路由参数传入
	want := []string{"1234567890", "kiosk-browser/1.0", "E1", "President", "c1", "President"}
	for i, w := range want {
		if k.args[i] != w {
			t.Fatalf("arg %d: expected %q, got %q", i, w, k.args[i])
		}
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{auth.ErrNotRegistered, http.StatusNotFound, "not_registered"},
		{auth.ErrFaceMismatch, http.StatusUnauthorized, "face_mismatch"},
		{auth.ErrNoBiometricData, http.StatusUnprocessableEntity, "no_biometric_data"},
		{&session.ActiveSessionError{}, http.StatusConflict, "session_active"},
		{ballot.ErrNoSelection, http.StatusBadRequest, "no_selection"},
		{kiosk.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
		{session.ErrSessionLost, http.StatusGone, "session_lost"},
		{context.DeadlineExceeded, http.StatusInternalServerError, "server_error"},
	}
	for _, tc := range cases {
		k := &fakeKiosk{step: kiosk.StepError, err: tc.err}
		h := NewServer(k, nil, zap.NewNop()).Engine()

		rec, out := do(t, h, http.MethodPost, "/kiosk/rfid", map[string]string{"tag": "1234567890"})
		if rec.Code != tc.status || out["error"] != tc.code {
			t.Fatalf("%v: expected %d %s, got %d %v", tc.err, tc.status, tc.code, rec.Code, out["error"])
		}
		if out["message"] == "" {
			t.Fatalf("%v: message missing", tc.err)
		}
		state, ok := out["state"].(map[string]interface{})
		if !ok || state["step"] != string(kiosk.StepError) {
			t.Fatalf("%v: error response should include state, got %v", tc.err, out["state"])
		}
	}
}

func TestRejectsBadInput(t *testing.T) {
	k := &fakeKiosk{}
	h := NewServer(k, nil, zap.NewNop()).Engine()

	bad := []struct {
		path string
		body interface{}
	}{
		{"/kiosk/rfid", map[string]string{"tag": "12"}},
		{"/kiosk/face", map[string]interface{}{"descriptor": []float64{}}},
		{"/kiosk/ballot/choose", map[string]string{"position": "President"}},
		{"/kiosk/ballot/abstain", map[string]string{}},
	}
	for _, b := range bad {
		rec, out := do(t, h, http.MethodPost, b.path, b.body)
		if rec.Code != http.StatusBadRequest || out["error"] != "invalid_request" {
			t.Fatalf("%s: expected invalid_request, got %d %v", b.path, rec.Code, out)
		}
	}
	if len(k.calls) != 0 {
		t.Fatalf("bad input must not reach the kiosk, got %v", k.calls)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "kiosk_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	h := NewServer(&fakeKiosk{}, reg, zap.NewNop()).Engine()

	rec, out := do(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("unexpected health response %d %v", rec.Code, out)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mrec := httptest.NewRecorder()
	h.ServeHTTP(mrec, req)
	if mrec.Code != http.StatusOK || !bytes.Contains(mrec.Body.Bytes(), []byte("kiosk_test_total 1")) {
		t.Fatalf("metrics not exposed: %s", mrec.Body.String())
	}
}
