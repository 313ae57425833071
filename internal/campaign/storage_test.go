package campaign

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	bolt "go.etcd.io/bbolt"
)

func TestStorage(t *testing.T) {
	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer db.Close()

	storage, err := NewStorage(db)
	if err != nil {
		t.Fatalf("NewStorage() error = %v", err)
	}
	ctx := context.Background()

	def, err := storage.Definition(ctx)
	if err != nil {
		t.Fatalf("Definition() error = %v", err)
	}
	if !def.Empty() {
		t.Errorf("Definition() on fresh storage = %+v, want empty", def)
	}

	templates := []string{"Hi {name}", "Hello"}
	if err := storage.SetTemplates(ctx, templates); err != nil {
		t.Fatalf("SetTemplates() error = %v", err)
	}
	script := []Step{
		{Type: StepText, Text: "Hi", Variants: []string{"A", "B"}},
		{Type: StepMedia, MediaType: MediaVideo, Path: "/v.mp4"},
	}
	if err := storage.SetScript(ctx, script); err != nil {
		t.Fatalf("SetScript() error = %v", err)
	}

	def, err = storage.Definition(ctx)
	if err != nil {
		t.Fatalf("Definition() error = %v", err)
	}
	if !reflect.DeepEqual(def.Templates, templates) {
		t.Errorf("Templates = %q, want %q", def.Templates, templates)
	}
	if !reflect.DeepEqual(def.Script, script) {
		t.Errorf("Script = %+v, want %+v", def.Script, script)
	}

	// Clearing the script falls back to templates
	if err := storage.SetScript(ctx, nil); err != nil {
		t.Fatalf("SetScript(nil) error = %v", err)
	}
	got, err := storage.Script(ctx)
	if err != nil {
		t.Fatalf("Script() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Script() after clear = %+v, want empty", got)
	}
}
