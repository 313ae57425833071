package sandbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/pushline/internal/campaign"
	"github.com/foxzi/pushline/internal/delivery"
)

type mockRealSender struct {
	scripted []string
	legacy   []string
}

func (m *mockRealSender) SendScripted(ctx context.Context, to string, script []campaign.Step) error {
	m.scripted = append(m.scripted, to)
	return nil
}

func (m *mockRealSender) SendLegacy(ctx context.Context, to, text string, media []campaign.Attachment) error {
	m.legacy = append(m.legacy, to)
	return nil
}

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	storage, err := NewStorage(db)
	if err != nil {
		t.Fatalf("NewStorage() error = %v", err)
	}
	return storage
}

func TestSender_ProductionPassesThrough(t *testing.T) {
	storage := setupTestStorage(t)
	real := &mockRealSender{}
	s := NewSender(real, storage, nil)
	ctx := context.Background()

	if err := s.SendScripted(ctx, "+79990000001", nil); err != nil {
		t.Fatalf("SendScripted() error = %v", err)
	}
	if err := s.SendLegacy(ctx, "+79990000002", "hi", nil); err != nil {
		t.Fatalf("SendLegacy() error = %v", err)
	}

	if len(real.scripted) != 1 || len(real.legacy) != 1 {
		t.Errorf("real sender calls = %v / %v", real.scripted, real.legacy)
	}
	if n, _ := storage.Count(ctx); n != 0 {
		t.Errorf("captured %d messages in production mode", n)
	}
}

func TestSender_SandboxCaptures(t *testing.T) {
	storage := setupTestStorage(t)
	real := &mockRealSender{}
	s := NewSender(real, storage, nil)
	s.SetMode(ModeSandbox)
	ctx := context.Background()

	script := []campaign.Step{{Type: campaign.StepText, Text: "Hi Anna"}}
	if err := s.SendScripted(ctx, "+79990000001", script); err != nil {
		t.Fatalf("SendScripted() error = %v", err)
	}
	media := []campaign.Attachment{{Type: campaign.MediaImage, Path: "/a.jpg"}}
	if err := s.SendLegacy(ctx, "+79990000002", "Hello", media); err != nil {
		t.Fatalf("SendLegacy() error = %v", err)
	}

	if len(real.scripted)+len(real.legacy) != 0 {
		t.Error("sandbox mode reached the real sender")
	}

	msgs, err := storage.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("List() returned %d messages, want 2", len(msgs))
	}

	// Newest first
	if msgs[0].To != "+79990000002" || msgs[0].Path != "LEGACY" || msgs[0].Text != "Hello" || len(msgs[0].Media) != 1 {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1].To != "+79990000001" || msgs[1].Path != "SCRIPT" || msgs[1].Script[0].Text != "Hi Anna" {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
	if msgs[0].ID == "" || msgs[0].ID == msgs[1].ID {
		t.Error("captured messages need distinct IDs")
	}

	filtered, _ := storage.List(ctx, ListFilter{To: "+79990000001"})
	if len(filtered) != 1 {
		t.Errorf("List(To) returned %d messages, want 1", len(filtered))
	}
}

func TestSender_SetModeUnknown(t *testing.T) {
	s := NewSender(&mockRealSender{}, setupTestStorage(t), nil)
	s.SetMode("bogus")
	if s.Mode() != ModeProduction {
		t.Errorf("Mode() = %s, want production", s.Mode())
	}
}

func TestSender_ErrorSimulation(t *testing.T) {
	storage := setupTestStorage(t)
	s := NewSender(&mockRealSender{}, storage, nil)
	s.SetMode(ModeSandbox)
	s.SetErrorSimulation(true, 1.0)
	ctx := context.Background()

	err := s.SendLegacy(ctx, "+79990000001", "x", nil)

	var derr *delivery.Error
	if !errors.As(err, &derr) {
		t.Fatalf("error = %v, want *delivery.Error", err)
	}
	if derr.Path != delivery.PathLegacy || derr.Exception {
		t.Errorf("error = %+v, want legacy failure", derr)
	}

	msgs, _ := storage.List(ctx, ListFilter{})
	if len(msgs) != 1 || msgs[0].SimulatedErr == "" {
		t.Errorf("captured = %+v, want one message with simulated error", msgs)
	}
}

func TestStorage_Clear(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	old := &Message{ID: "old", To: "+79990000001", CapturedAt: time.Now().Add(-2 * time.Hour)}
	fresh := &Message{ID: "fresh", To: "+79990000002", CapturedAt: time.Now()}
	for _, m := range []*Message{old, fresh} {
		if err := storage.Save(ctx, m); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	n, err := storage.Clear(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Clear(1h) removed %d, want 1", n)
	}

	msgs, _ := storage.List(ctx, ListFilter{})
	if len(msgs) != 1 || msgs[0].ID != "fresh" {
		t.Errorf("remaining = %+v, want fresh only", msgs)
	}

	n, _ = storage.Clear(ctx, 0)
	if n != 1 {
		t.Errorf("Clear(0) removed %d, want 1", n)
	}
	if c, _ := storage.Count(ctx); c != 0 {
		t.Errorf("Count() after clear = %d", c)
	}
}

func TestStorage_ListPaging(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		storage.Save(ctx, &Message{ID: id, CapturedAt: base.Add(time.Duration(i) * time.Second)})
	}

	msgs, _ := storage.List(ctx, ListFilter{Offset: 1, Limit: 1})
	if len(msgs) != 1 || msgs[0].ID != "b" {
		t.Errorf("List(offset 1, limit 1) = %+v, want b", msgs)
	}
}
