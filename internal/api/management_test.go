package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/pushline/internal/campaign"
	"github.com/foxzi/pushline/internal/delivery"
	"github.com/foxzi/pushline/internal/history"
	"github.com/foxzi/pushline/internal/ratelimit"
	"github.com/foxzi/pushline/internal/sandbox"
)

func TestSentCacheMissing(t *testing.T) {
	ts := newTestServer(t, "", 200)

	w := ts.do(t, http.MethodGet, "/api/v1/broadcast/sent-cache", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decode[ErrorResponse](t, w)
	if resp.OK || resp.Error != "NO_CACHE" {
		t.Errorf("sent-cache = %+v, want NO_CACHE", resp)
	}
}

func TestHistoryTail(t *testing.T) {
	ts := newTestServer(t, "", 200)

	rows := []history.Row{
		{Phone: "+79990000001", Status: history.StatusSentOK, Details: "LEGACY"},
		{Phone: "+79990000002", Status: history.StatusErrorSend, Details: "LEGACY_FAIL:busy"},
		{Phone: "+79990000003", Status: history.StatusSentOK, Details: "LEGACY"},
		{Phone: "+79990000003", Status: history.StatusSentOK, Details: "LEGACY"},
	}
	for _, row := range rows {
		if err := ts.ledger.Append(row); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	tests := []struct {
		query     string
		wantCount int
	}{
		{query: "", wantCount: 4},
		{query: "?limit=2", wantCount: 2},
		{query: "?limit=abc", wantCount: 4},
		{query: "?limit=100000", wantCount: 4},
	}
	for _, tt := range tests {
		w := ts.do(t, http.MethodGet, "/api/v1/broadcast/last"+tt.query, nil, "")
		resp := decode[HistoryResponse](t, w)
		if resp.Count != tt.wantCount || len(resp.Data) != tt.wantCount {
			t.Errorf("last%s count = %d, want %d", tt.query, resp.Count, tt.wantCount)
		}
	}

	w := ts.do(t, http.MethodGet, "/api/v1/broadcast/last-wave", nil, "")
	wave := decode[LastWaveResponse](t, w)
	if wave.Total != 2 || len(wave.Records) != 2 {
		t.Errorf("last-wave total = %d, want 2", wave.Total)
	}
	if len(wave.Phones) != 1 || wave.Phones[0] != "+79990000003" {
		t.Errorf("last-wave phones = %v", wave.Phones)
	}
}

func TestScriptEndpoints(t *testing.T) {
	ts := newTestServer(t, "", 200)

	w := ts.do(t, http.MethodGet, "/api/v1/broadcast/script", nil, "")
	if resp := decode[ScriptResponse](t, w); !resp.OK || len(resp.Script) != 0 {
		t.Errorf("empty script = %+v", resp)
	}

	body := map[string]any{"script": []any{
		map[string]any{"type": "text", "text": "Hi {name}", "variants": []any{" A ", "", 5}},
		map[string]any{"type": "media", "mediaType": "audio", "path": "/x"},
		map[string]any{"type": "media", "mediaType": "image", "path": "/tmp/a.jpg"},
	}}
	w = ts.doJSON(t, http.MethodPost, "/api/v1/broadcast/script", body)
	if w.Code != http.StatusOK {
		t.Fatalf("save status = %d: %s", w.Code, w.Body.String())
	}
	if resp := decode[ScriptSaveResponse](t, w); resp.Saved != 2 {
		t.Errorf("saved = %d, want 2", resp.Saved)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/broadcast/script", nil, "")
	resp := decode[ScriptResponse](t, w)
	if len(resp.Script) != 2 || resp.Script[0].Type != campaign.StepText {
		t.Fatalf("script = %+v", resp.Script)
	}
	if got := resp.Script[0].Variants; len(got) != 1 || got[0] != "A" {
		t.Errorf("variants = %v, want [A]", got)
	}

	w = ts.doJSON(t, http.MethodPost, "/api/v1/broadcast/script", map[string]any{"script": 5})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid script status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if resp := decode[ErrorResponse](t, w); resp.Error != "script must be array" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestTemplatesList(t *testing.T) {
	ts := newTestServer(t, "", 200)

	w := ts.upload(t, "/api/v1/templates/upload", "templates.json", `{"templates": ["One", " ", "Two"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("upload status = %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(t, http.MethodGet, "/api/v1/templates", nil, "")
	resp := decode[TemplatesResponse](t, w)
	if len(resp.Templates) != 2 || resp.Templates[0] != "One" || resp.Templates[1] != "Two" {
		t.Errorf("templates = %v", resp.Templates)
	}

	w = ts.upload(t, "/api/v1/templates/upload", "templates.json", `{broken`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("broken json status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestMediaEndpoints(t *testing.T) {
	ts := newTestServer(t, "", 200)

	first := filepath.Join(ts.dir, "a.jpg")
	second := filepath.Join(ts.dir, "b.jpg")
	video := filepath.Join(ts.dir, "v.mp4")
	for _, p := range []string{first, second, video} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	cfg := `{"imagePath": "", "videoPath": "` + video + `", "imagePaths": ["` + first + `", "/missing.jpg", "` + second + `"]}`
	if err := os.WriteFile(filepath.Join(ts.dir, "media_config.json"), []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	ts.media.Reload()

	w := ts.do(t, http.MethodGet, "/api/v1/broadcast/media", nil, "")
	resp := decode[MediaResponse](t, w)
	if len(resp.Images) != 2 {
		t.Fatalf("images = %+v, want 2", resp.Images)
	}
	if resp.Image == nil || resp.Image.Filename != "b.jpg" {
		t.Errorf("image = %+v, want b.jpg", resp.Image)
	}
	if resp.Video == nil || resp.Video.Path != video {
		t.Errorf("video = %+v", resp.Video)
	}

	w = ts.do(t, http.MethodPost, "/api/v1/broadcast/media/clear", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("clear status = %d", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/broadcast/media", nil, "")
	resp = decode[MediaResponse](t, w)
	if resp.Image != nil || resp.Video != nil || len(resp.Images) != 0 {
		t.Errorf("after clear = %+v", resp)
	}
	if _, err := os.Stat(first); err != nil {
		t.Errorf("media file removed by clear: %v", err)
	}
}

func TestReply(t *testing.T) {
	tests := []struct {
		name       string
		body       ReplyRequest
		err        error
		wantStatus int
	}{
		{name: "relayed", body: ReplyRequest{To: "+79990000001", Text: "thanks"}, wantStatus: http.StatusOK},
		{name: "missing text", body: ReplyRequest{To: "+79990000001"}, wantStatus: http.StatusBadRequest},
		{
			name:       "bot rejected",
			body:       ReplyRequest{To: "+79990000001", Text: "thanks"},
			err:        &delivery.Error{Path: delivery.PathReply, Reason: "session closed"},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "unexpected error",
			body:       ReplyRequest{To: "+79990000001", Text: "thanks"},
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, "", 200)
			ts.replier.err = tt.err

			w := ts.doJSON(t, http.MethodPost, "/api/v1/reply", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && (ts.replier.to != tt.body.To || ts.replier.text != tt.body.Text) {
				t.Errorf("relayed %q %q", ts.replier.to, ts.replier.text)
			}
		})
	}
}

func TestSandboxEndpoints(t *testing.T) {
	ts := newTestServer(t, "", 200)
	ctx := context.Background()

	now := time.Now()
	msgs := []*sandbox.Message{
		{ID: "a", To: "+79990000001", Path: "LEGACY", Text: "old", CapturedAt: now.Add(-48 * time.Hour)},
		{ID: "b", To: "+79990000002", Path: "LEGACY", Text: "new", CapturedAt: now},
	}
	for _, m := range msgs {
		if err := ts.sandbox.Save(ctx, m); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	w := ts.do(t, http.MethodGet, "/api/v1/sandbox/messages", nil, "")
	list := decode[SandboxListResponse](t, w)
	if list.Total != 2 || list.Messages[0].ID != "b" {
		t.Errorf("list = %+v", list)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/sandbox/messages?to=%2B79990000001", nil, "")
	if list := decode[SandboxListResponse](t, w); list.Total != 1 || list.Messages[0].ID != "a" {
		t.Errorf("filtered list = %+v", list)
	}

	w = ts.do(t, http.MethodDelete, "/api/v1/sandbox/messages?older_than=bad", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad older_than status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = ts.do(t, http.MethodDelete, "/api/v1/sandbox/messages?older_than=24h", nil, "")
	if resp := decode[SandboxClearResponse](t, w); resp.Cleared != 1 {
		t.Errorf("cleared = %d, want 1", resp.Cleared)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/sandbox/stats", nil, "")
	if resp := decode[SandboxStatsResponse](t, w); resp.Total != 1 {
		t.Errorf("stats total = %d, want 1", resp.Total)
	}
}

func TestQuotaStats(t *testing.T) {
	ts := newTestServer(t, "", 200)

	w := ts.do(t, http.MethodGet, "/api/v1/quota/stats", nil, "")
	if resp := decode[QuotaStatsResponse](t, w); !resp.OK || resp.Enabled {
		t.Errorf("without quota = %+v", resp)
	}

	limiter, err := ratelimit.NewLimiter(ts.queue.DB(), &ratelimit.Config{
		Global: &ratelimit.LimitConfig{MessagesPerHour: 10},
	})
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	t.Cleanup(func() { limiter.Stop() })
	ts.server.managementServer.quota = limiter

	ctx := context.Background()
	for range 3 {
		limiter.Allow(ctx, &ratelimit.Request{Phone: "+79990000001"})
	}

	w = ts.do(t, http.MethodGet, "/api/v1/quota/stats", nil, "")
	resp := decode[QuotaStatsResponse](t, w)
	if !resp.Enabled || resp.Stats == nil || resp.Stats.HourlyCount != 3 {
		t.Errorf("global stats = %+v", resp)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/quota/stats?level=prefix", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("prefix without key status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/quota/stats?level=bogus", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid level status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}
