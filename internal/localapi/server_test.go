package localapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gcdcore/agent/internal/command"
	"github.com/gcdcore/agent/internal/registration"
	"github.com/gcdcore/agent/internal/schema"
	"github.com/gcdcore/agent/internal/state"
	"github.com/gcdcore/agent/internal/transport"
)

// syncRunner runs posted tasks inline, mirroring the command package's own
// test double so AddCommand's scheduled dispatch is deterministic here too.
type syncRunner struct {
	mu    sync.Mutex
	queue []func()
}

func (r *syncRunner) PostDelayedTask(fn func(), _ time.Duration) {
	r.mu.Lock()
	r.queue = append(r.queue, fn)
	r.mu.Unlock()
}

const ledflasherSchema = `{"_ledflasher": {"_set": {"parameters": {"_led": {"minimum":1,"maximum":3}, "_on":"boolean"}}}}`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dict := command.NewDictionary()
	if err := dict.LoadCommands(json.RawMessage(ledflasherSchema), "test"); err != nil {
		t.Fatalf("LoadCommands: %v", err)
	}
	commands := command.New(dict, &syncRunner{}, nil)

	firmwareType, err := schema.ParsePropType(json.RawMessage(`"string"`))
	if err != nil {
		t.Fatalf("ParsePropType: %v", err)
	}
	stateMgr := state.New(map[string]*schema.PropType{"base.firmwareVersion": firmwareType}, 10)

	s, err := New(Deps{Commands: commands, State: stateMgr, Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	s.buildRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %v, want %q", body["status"], "ok")
	}
}

func TestHandleGetStateEmpty(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	rec := httptest.NewRecorder()
	s.buildRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(body) != 0 {
		t.Fatalf("body = %v, want empty", body)
	}
}

func TestHandlePostCommandThenGetCommand(t *testing.T) {
	s := newTestServer(t)

	postReq := httptest.NewRequest(http.MethodPost, "/v1/commands", strings.NewReader(
		`{"name":"_ledflasher._set","parameters":{"_led":2,"_on":true}}`,
	))
	postRec := httptest.NewRecorder()
	router := s.buildRouter()
	router.ServeHTTP(postRec, postReq)

	if postRec.Code != http.StatusAccepted {
		t.Fatalf("post status = %d, want %d, body=%s", postRec.Code, http.StatusAccepted, postRec.Body.String())
	}
	var posted struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(postRec.Body.Bytes(), &posted); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if posted.ID == "" {
		t.Fatal("expected a non-empty command id")
	}

	getReq := httptest.NewRequest(http.MethodGet, "/v1/commands/"+posted.ID, nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)

	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want %d, body=%s", getRec.Code, http.StatusOK, getRec.Body.String())
	}
	var got map[string]any
	if err := json.Unmarshal(getRec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["name"] != "_ledflasher._set" {
		t.Fatalf("name = %v, want %q", got["name"], "_ledflasher._set")
	}
}

func TestHandlePostCommandRejectsInvalidPayload(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/commands", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	s.buildRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleGetCommandUnknownID(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/commands/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.buildRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleGetRegistrationWithoutControllerReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/registration", nil)
	rec := httptest.NewRecorder()
	s.buildRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

type emptyConfigStore struct{}

func (emptyConfigStore) LoadDefaults() (json.RawMessage, error) { return json.RawMessage(`{}`), nil }
func (emptyConfigStore) LoadSettings() (string, error)          { return "", nil }
func (emptyConfigStore) SaveSettings(string) error              { return nil }

type unusedHTTPClient struct{}

func (unusedHTTPClient) SendRequest(context.Context, string, string, map[string]string, []byte, func(*transport.Response, error)) {
}

func TestHandleGetRegistrationWithController(t *testing.T) {
	dict := command.NewDictionary()
	commands := command.New(dict, &syncRunner{}, nil)
	stateMgr := state.New(map[string]*schema.PropType{}, 10)

	controller := registration.New(emptyConfigStore{}, unusedHTTPClient{}, &syncRunner{}, commands, stateMgr, nil, registration.Options{})
	if err := controller.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	s, err := New(Deps{Commands: commands, State: stateMgr, Controller: controller, Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/registration", nil)
	rec := httptest.NewRecorder()
	s.buildRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if body["gcdState"] != "unconfigured" {
		t.Fatalf("gcdState = %v, want %q", body["gcdState"], "unconfigured")
	}
}

func TestHandlePostRegistrationStartWithoutControllerReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/registration/start", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.buildRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

type ticketIssuingHTTPClient struct{}

func (ticketIssuingHTTPClient) SendRequest(_ context.Context, _, url string, _ map[string]string, _ []byte, callback func(*transport.Response, error)) {
	if strings.Contains(url, "registrationTickets") {
		callback(&transport.Response{Status: http.StatusOK, ContentType: "application/json", Body: []byte(`{"id":"ticket-1"}`)}, nil)
		return
	}
	callback(&transport.Response{Status: http.StatusNotFound}, nil)
}

func TestHandlePostRegistrationStartReturnsTicketAndAuthURL(t *testing.T) {
	dict := command.NewDictionary()
	commands := command.New(dict, &syncRunner{}, nil)
	stateMgr := state.New(map[string]*schema.PropType{}, 10)

	controller := registration.New(emptyConfigStore{}, ticketIssuingHTTPClient{}, &syncRunner{}, commands, stateMgr, nil, registration.Options{
		DefaultOAuthURL:   "https://oauth.example.com",
		DefaultServiceURL: "https://service.example.com",
	})
	if err := controller.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	s, err := New(Deps{Commands: commands, State: stateMgr, Controller: controller, Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	payload := `{"client_id":"c1","client_secret":"s1","api_key":"k1","device_kind":"vendor.genericDevice","system_name":"gcdagent"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/registration/start", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	s.buildRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if body["ticketId"] != "ticket-1" {
		t.Fatalf("ticketId = %q, want %q", body["ticketId"], "ticket-1")
	}
	if !strings.HasPrefix(body["authUrl"], "https://oauth.example.com/auth?") {
		t.Fatalf("authUrl = %q, want prefix %q", body["authUrl"], "https://oauth.example.com/auth?")
	}
}

func TestHandlePostRegistrationStartRejectsMissingParams(t *testing.T) {
	dict := command.NewDictionary()
	commands := command.New(dict, &syncRunner{}, nil)
	stateMgr := state.New(map[string]*schema.PropType{}, 10)
	controller := registration.New(emptyConfigStore{}, unusedHTTPClient{}, &syncRunner{}, commands, stateMgr, nil, registration.Options{})
	if err := controller.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	s, err := New(Deps{Commands: commands, State: stateMgr, Controller: controller, Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/registration/start", strings.NewReader(`{"client_id":"c1"}`))
	rec := httptest.NewRecorder()
	s.buildRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
}

func TestHandlePostRegistrationFinishWithoutTicketReturnsBadRequest(t *testing.T) {
	dict := command.NewDictionary()
	commands := command.New(dict, &syncRunner{}, nil)
	stateMgr := state.New(map[string]*schema.PropType{}, 10)
	controller := registration.New(emptyConfigStore{}, unusedHTTPClient{}, &syncRunner{}, commands, stateMgr, nil, registration.Options{})
	if err := controller.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	s, err := New(Deps{Commands: commands, State: stateMgr, Controller: controller, Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/registration/finish", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.buildRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
}
