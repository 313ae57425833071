package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/foxzi/pushline/internal/campaign"
	"github.com/foxzi/pushline/internal/config"
	"github.com/foxzi/pushline/internal/content"
	"github.com/foxzi/pushline/internal/delivery"
	"github.com/foxzi/pushline/internal/engine"
	"github.com/foxzi/pushline/internal/history"
	"github.com/foxzi/pushline/internal/media"
	"github.com/foxzi/pushline/internal/metrics"
	"github.com/foxzi/pushline/internal/queue"
	"github.com/foxzi/pushline/internal/sandbox"
)

const testPin = "1234"

// mockSender implements delivery.Sender for testing
type mockSender struct {
	mu    sync.Mutex
	to    []string
	texts []string
	err   error
	gate  chan struct{} // when set, every send waits until it is closed
	calls chan string   // when set, receives the recipient before sending
}

func (m *mockSender) SendScripted(ctx context.Context, to string, script []campaign.Step) error {
	return m.send(to, "")
}

func (m *mockSender) SendLegacy(ctx context.Context, to, text string, media []campaign.Attachment) error {
	return m.send(to, text)
}

func (m *mockSender) send(to, text string) error {
	if m.calls != nil {
		m.calls <- to
	}
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.to = append(m.to, to)
	m.texts = append(m.texts, text)
	return m.err
}

func (m *mockSender) recipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.to...)
}

// mockReplier implements Replier for testing
type mockReplier struct {
	to, text string
	err      error
}

func (m *mockReplier) SendReply(ctx context.Context, to, text string) error {
	m.to, m.text = to, text
	return m.err
}

type testServer struct {
	server    *Server
	engine    *engine.Engine
	queue     *queue.BoltStorage
	sender    *mockSender
	replier   *mockReplier
	ledger    *history.Ledger
	sentCache *history.SentCache
	media     *media.Store
	sandbox   *sandbox.Storage
	dir       string
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, apiKey string, waveLimit int) *testServer {
	t.Helper()

	dir := t.TempDir()
	q, err := queue.NewBoltStorage(filepath.Join(dir, "pushline.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })

	cs, err := campaign.NewStorage(q.DB())
	if err != nil {
		t.Fatalf("campaign.NewStorage() error = %v", err)
	}
	states, err := engine.NewStateStore(q.DB())
	if err != nil {
		t.Fatalf("NewStateStore() error = %v", err)
	}
	sb, err := sandbox.NewStorage(q.DB())
	if err != nil {
		t.Fatalf("sandbox.NewStorage() error = %v", err)
	}

	ts := &testServer{
		queue:     q,
		sender:    &mockSender{},
		replier:   &mockReplier{},
		ledger:    history.NewLedger(filepath.Join(dir, "results.csv"), history.FormatQuoted),
		sentCache: history.NewSentCache(filepath.Join(dir, "sent_cache.json")),
		media:     media.NewStore(filepath.Join(dir, "media_config.json"), testLogger()),
		sandbox:   sb,
		dir:       dir,
	}

	ts.engine, err = engine.New(engine.Options{
		Config:    engine.Config{WaveLimit: waveLimit, AdminPin: testPin},
		Queue:     q,
		Campaign:  cs,
		Resolver:  content.NewResolver(ts.media),
		Sender:    ts.sender,
		Ledger:    ts.ledger,
		SentCache: ts.sentCache,
		State:     states,
	})
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	t.Cleanup(ts.engine.Close)

	ts.server = NewServer(ServerOptions{
		Config:         &config.APIConfig{APIKey: apiKey, MaxUploadBytes: 1 << 20},
		Engine:         ts.engine,
		Queue:          q,
		Campaign:       cs,
		History:        ts.ledger,
		SentCache:      ts.sentCache,
		Media:          ts.media,
		Replier:        ts.replier,
		SandboxStorage: sb,
		Logger:         testLogger(),
	})

	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func (ts *testServer) doJSON(t *testing.T, method, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("failed to marshal request: %v", err)
		}
		body = bytes.NewReader(data)
	}
	return ts.do(t, method, path, body, "application/json")
}

func (ts *testServer) upload(t *testing.T, path, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	fw.Write([]byte(content))
	mw.Close()
	return ts.do(t, http.MethodPost, path, &buf, mw.FormDataContentType())
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return v
}

type statusBody struct {
	OK         bool        `json:"ok"`
	Status     string      `json:"status"`
	Sent       int         `json:"sent"`
	Errors     int         `json:"errors"`
	Total      int         `json:"total"`
	WavesTotal int         `json:"wavesTotal"`
	WaveIndex  int         `json:"waveIndex"`
	Mode       string      `json:"mode"`
	Plan       engine.Plan `json:"plan"`
	Error      string      `json:"error"`
}

const twoContacts = "phone;name\n89990000001;Anna\nBob,+79990000002\n"

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "secret", 200)

	w := ts.do(t, http.MethodGet, "/health", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	resp := decode[HealthResponse](t, w)
	if resp.Status != "ok" || resp.Version != Version {
		t.Errorf("health = %+v", resp)
	}
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		apiKey     string
		header     string
		value      string
		wantStatus int
	}{
		{name: "no key configured", apiKey: "", wantStatus: http.StatusOK},
		{name: "missing key", apiKey: "secret", wantStatus: http.StatusUnauthorized},
		{name: "bearer token", apiKey: "secret", header: "Authorization", value: "Bearer secret", wantStatus: http.StatusOK},
		{name: "x-api-key header", apiKey: "secret", header: "X-API-Key", value: "secret", wantStatus: http.StatusOK},
		{name: "wrong key", apiKey: "secret", header: "Authorization", value: "Bearer nope", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.apiKey, 200)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/broadcast/status", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			ts.server.Handler().ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestBroadcastWaveFlow(t *testing.T) {
	ts := newTestServer(t, "", 1)

	w := ts.upload(t, "/api/v1/contacts/upload", "contacts.csv", twoContacts)
	if w.Code != http.StatusOK {
		t.Fatalf("contacts upload status = %d: %s", w.Code, w.Body.String())
	}
	up := decode[ContactsUploadResponse](t, w)
	if up.Rows != 2 || up.TotalContacts != 2 || up.Plan.Waves != 2 {
		t.Errorf("contacts upload = %+v", up)
	}

	w = ts.upload(t, "/api/v1/templates/upload", "templates.txt", "Hi {name}")
	if w.Code != http.StatusOK {
		t.Fatalf("templates upload status = %d: %s", w.Code, w.Body.String())
	}
	tpl := decode[TemplatesUploadResponse](t, w)
	if tpl.Templates != 1 || tpl.Plan.Total != 2 {
		t.Errorf("templates upload = %+v", tpl)
	}

	w = ts.doJSON(t, http.MethodPost, "/api/v1/broadcast/wave", engine.StartRequest{AdminPin: testPin, Mode: "text"})
	if w.Code != http.StatusOK {
		t.Fatalf("wave status = %d: %s", w.Code, w.Body.String())
	}
	st := decode[statusBody](t, w)
	if !st.OK || st.Status != "running" || st.Sent != 1 || st.Total != 1 || st.WavesTotal != 2 || st.WaveIndex != 2 {
		t.Errorf("after first wave = %+v", st)
	}
	if st.Mode != "text" {
		t.Errorf("mode = %q, want text", st.Mode)
	}

	w = ts.doJSON(t, http.MethodPost, "/api/v1/broadcast/wave", engine.StartRequest{AdminPin: testPin, Mode: "text"})
	st = decode[statusBody](t, w)
	if st.Status != "done" || st.Sent != 2 || st.Total != 0 {
		t.Errorf("after second wave = %+v", st)
	}

	got := ts.sender.recipients()
	if len(got) != 2 || got[0] != "+79990000001" || got[1] != "+79990000002" {
		t.Errorf("recipients = %v", got)
	}
	if ts.sender.texts[0] != "Hi Anna" {
		t.Errorf("first text = %q, want %q", ts.sender.texts[0], "Hi Anna")
	}

	w = ts.do(t, http.MethodGet, "/api/v1/broadcast/last?limit=1", nil, "")
	last := decode[HistoryResponse](t, w)
	if last.Count != 1 || last.Data[0].Phone != "+79990000002" {
		t.Errorf("last = %+v", last)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/broadcast/last-wave", nil, "")
	wave := decode[LastWaveResponse](t, w)
	if wave.Total != 2 || len(wave.Phones) != 2 {
		t.Errorf("last-wave = %+v", wave)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/broadcast/sent-cache", nil, "")
	cache := decode[SentCacheResponse](t, w)
	if !cache.OK || cache.Total != 2 {
		t.Errorf("sent-cache = %+v", cache)
	}
}

func TestBroadcastStartErrors(t *testing.T) {
	tests := []struct {
		name       string
		contacts   string
		templates  string
		pin        string
		wantStatus int
		wantError  string
	}{
		{name: "wrong pin", contacts: twoContacts, templates: "Hi", pin: "0000", wantStatus: http.StatusForbidden, wantError: "forbidden"},
		{name: "empty pin", contacts: twoContacts, templates: "Hi", pin: "", wantStatus: http.StatusForbidden, wantError: "forbidden"},
		{name: "no contacts", templates: "Hi", pin: testPin, wantStatus: http.StatusBadRequest, wantError: engine.ErrNoContacts.Error()},
		{name: "no content", contacts: twoContacts, pin: testPin, wantStatus: http.StatusBadRequest, wantError: engine.ErrNoContent.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, "", 200)
			if tt.contacts != "" {
				ts.upload(t, "/api/v1/contacts/upload", "contacts.csv", tt.contacts)
			}
			if tt.templates != "" {
				ts.upload(t, "/api/v1/templates/upload", "templates.txt", tt.templates)
			}

			for _, path := range []string{"/api/v1/broadcast/wave", "/api/v1/broadcast/fire"} {
				w := ts.doJSON(t, http.MethodPost, path, engine.StartRequest{AdminPin: tt.pin})
				if w.Code != tt.wantStatus {
					t.Fatalf("%s status = %d, want %d", path, w.Code, tt.wantStatus)
				}
				resp := decode[ErrorResponse](t, w)
				if resp.OK || resp.Error != tt.wantError {
					t.Errorf("%s response = %+v, want error %q", path, resp, tt.wantError)
				}
			}

			w := ts.do(t, http.MethodGet, "/api/v1/broadcast/status", nil, "")
			if st := decode[statusBody](t, w); st.Status != "idle" {
				t.Errorf("status = %q, want idle", st.Status)
			}
			if n := len(ts.sender.recipients()); n != 0 {
				t.Errorf("sent %d messages, want 0", n)
			}
		})
	}
}

func TestBroadcastFireBusy(t *testing.T) {
	ts := newTestServer(t, "", 200)
	ts.upload(t, "/api/v1/contacts/upload", "contacts.csv", twoContacts)
	ts.upload(t, "/api/v1/templates/upload", "templates.txt", "Hi")

	ts.sender.gate = make(chan struct{})
	ts.sender.calls = make(chan string, 10)

	w := ts.doJSON(t, http.MethodPost, "/api/v1/broadcast/fire", engine.StartRequest{AdminPin: testPin})
	if w.Code != http.StatusOK {
		t.Fatalf("fire status = %d: %s", w.Code, w.Body.String())
	}
	fire := decode[FireResponse](t, w)
	if !fire.Started || fire.Plan.Total != 2 {
		t.Errorf("fire = %+v", fire)
	}

	<-ts.sender.calls

	w = ts.upload(t, "/api/v1/contacts/upload", "contacts.csv", twoContacts)
	if w.Code != http.StatusConflict {
		t.Errorf("upload while busy status = %d, want %d", w.Code, http.StatusConflict)
	}

	w = ts.doJSON(t, http.MethodPost, "/api/v1/broadcast/fire", engine.StartRequest{AdminPin: testPin})
	if w.Code != http.StatusConflict {
		t.Errorf("second fire status = %d, want %d", w.Code, http.StatusConflict)
	}

	w = ts.do(t, http.MethodPost, "/api/v1/broadcast/stop", nil, "")
	if st := decode[statusBody](t, w); st.Status != "done" {
		t.Errorf("stop status = %q, want done", st.Status)
	}

	close(ts.sender.gate)
	ts.engine.Close()

	if n := len(ts.sender.recipients()); n != 1 {
		t.Errorf("sent %d messages after stop, want 1", n)
	}
}

func TestBroadcastPauseAndReset(t *testing.T) {
	ts := newTestServer(t, "", 1)
	ts.upload(t, "/api/v1/contacts/upload", "contacts.csv", twoContacts)
	ts.upload(t, "/api/v1/templates/upload", "templates.txt", "Hi")

	w := ts.do(t, http.MethodPost, "/api/v1/broadcast/pause", nil, "")
	if st := decode[statusBody](t, w); st.Status != "idle" {
		t.Errorf("pause from idle = %q, want idle", st.Status)
	}

	ts.doJSON(t, http.MethodPost, "/api/v1/broadcast/wave", engine.StartRequest{AdminPin: testPin})

	w = ts.do(t, http.MethodPost, "/api/v1/broadcast/pause", nil, "")
	if st := decode[statusBody](t, w); st.Status != "paused" || st.Sent != 1 {
		t.Errorf("pause from running = %+v", st)
	}

	w = ts.do(t, http.MethodPost, "/api/v1/broadcast/reset", nil, "")
	st := decode[statusBody](t, w)
	if st.Status != "idle" || st.Sent != 0 || st.Total != 1 || st.Mode != "image" {
		t.Errorf("reset = %+v", st)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/broadcast/plan", nil, "")
	plan := decode[PlanResponse](t, w)
	if !plan.OK || plan.Plan.Total != 1 || plan.Plan.Limit != 1 {
		t.Errorf("plan = %+v", plan)
	}
}

func TestTestDirect(t *testing.T) {
	ts := newTestServer(t, "", 200)

	w := ts.doJSON(t, http.MethodPost, "/api/v1/broadcast/test-direct", TestDirectRequest{Text: "hello"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing to status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = ts.doJSON(t, http.MethodPost, "/api/v1/broadcast/test-direct", TestDirectRequest{To: "+79990000009", Text: "hello", Mode: "text"})
	if w.Code != http.StatusOK {
		t.Fatalf("test-direct status = %d: %s", w.Code, w.Body.String())
	}
	if got := ts.sender.recipients(); len(got) != 1 || got[0] != "+79990000009" || ts.sender.texts[0] != "hello" {
		t.Errorf("sent = %v %v", got, ts.sender.texts)
	}

	ts.sender.err = &delivery.Error{Path: delivery.PathLegacy, Reason: "not on whatsapp"}
	w = ts.doJSON(t, http.MethodPost, "/api/v1/broadcast/test-direct", TestDirectRequest{To: "+79990000009", Text: "hello"})
	if w.Code != http.StatusBadGateway {
		t.Errorf("failed delivery status = %d, want %d", w.Code, http.StatusBadGateway)
	}
	if resp := decode[ErrorResponse](t, w); resp.Error != "LEGACY_FAIL:not on whatsapp" {
		t.Errorf("error = %q", resp.Error)
	}

	rows, _ := ts.ledger.Tail(10)
	if len(rows) != 0 {
		t.Errorf("test-direct wrote %d history rows, want 0", len(rows))
	}
}

func TestContactsList(t *testing.T) {
	ts := newTestServer(t, "", 200)
	ts.upload(t, "/api/v1/contacts/upload", "contacts.csv", twoContacts)

	w := ts.do(t, http.MethodGet, "/api/v1/contacts?limit=1&offset=1", nil, "")
	resp := decode[ContactsResponse](t, w)
	if resp.Total != 2 || len(resp.Contacts) != 1 || resp.Contacts[0].Name != "Bob" {
		t.Errorf("contacts = %+v", resp)
	}
}

func TestUploadWithoutFile(t *testing.T) {
	ts := newTestServer(t, "", 200)

	w := ts.do(t, http.MethodPost, "/api/v1/contacts/upload", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if resp := decode[ErrorResponse](t, w); resp.Error != "no file" {
		t.Errorf("error = %q, want %q", resp.Error, "no file")
	}
}

func TestServeAndShutdown(t *testing.T) {
	ts := newTestServer(t, "", 200)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- ts.server.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	if err := ts.server.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("Serve() error = %v", err)
	}
}

func TestErrorMetrics(t *testing.T) {
	m := metrics.New()
	metrics.SetGlobal(m)
	defer metrics.SetGlobal(nil)

	ts := newTestServer(t, "secret", 200)

	send := func(key string) int {
		body, _ := json.Marshal(engine.StartRequest{AdminPin: "wrong"})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/broadcast/wave", bytes.NewReader(body))
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		w := httptest.NewRecorder()
		ts.server.Handler().ServeHTTP(w, req)
		return w.Code
	}

	if code := send(""); code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want %d", code, http.StatusUnauthorized)
	}
	if code := send("secret"); code != http.StatusForbidden {
		t.Fatalf("status with wrong pin = %d, want %d", code, http.StatusForbidden)
	}

	value := func(c prometheus.Counter) float64 {
		var metric dto.Metric
		if err := c.Write(&metric); err != nil {
			t.Fatalf("failed to read metric: %v", err)
		}
		return metric.Counter.GetValue()
	}

	if v := value(m.APIErrorsTotal.WithLabelValues("unauthorized")); v != 1 {
		t.Errorf("unauthorized errors = %v, want 1", v)
	}
	if v := value(m.APIErrorsTotal.WithLabelValues("forbidden")); v != 1 {
		t.Errorf("forbidden errors = %v, want 1", v)
	}
	if v := value(m.APIRequestsTotal.WithLabelValues("POST", "/api/v1/broadcast/wave", "403")); v != 1 {
		t.Errorf("wave requests with 403 = %v, want 1", v)
	}
}

func TestBroadcastAfterEngineClose(t *testing.T) {
	ts := newTestServer(t, "", 200)
	ts.upload(t, "/api/v1/contacts/upload", "contacts.csv", twoContacts)
	ts.upload(t, "/api/v1/templates/upload", "templates.txt", "Hi")

	ts.engine.Close()

	for _, path := range []string{"/api/v1/broadcast/wave", "/api/v1/broadcast/fire"} {
		w := ts.doJSON(t, http.MethodPost, path, engine.StartRequest{AdminPin: testPin})
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s status = %d, want %d", path, w.Code, http.StatusServiceUnavailable)
		}
		resp := decode[ErrorResponse](t, w)
		if resp.Error != engine.ErrClosed.Error() {
			t.Errorf("%s error = %q, want %q", path, resp.Error, engine.ErrClosed.Error())
		}
	}

	if n := len(ts.sender.recipients()); n != 0 {
		t.Errorf("sent %d messages after close, want 0", n)
	}
}
