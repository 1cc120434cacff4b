package schemagen

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/teknokomo/universo-platformo-react-sub028/internal/net/proto"
)

func TestExecuteRequiresOut(t *testing.T) {
	err := Execute(io.Discard, io.Discard, nil)
	if !errors.Is(err, ErrMissingOut) {
		t.Fatalf("expected ErrMissingOut, got %v", err)
	}
	if !strings.Contains(err.Error(), "--out") {
		t.Fatalf("expected error to name the flag, got %v", err)
	}
}

func TestExecuteWritesSchema(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "nested", "protocol.schema.json")
	var stdout strings.Builder
	if err := Execute(&stdout, io.Discard, []string{"--out=" + outPath}); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("failed to read schema: %v", err)
	}
	if _, err := os.Stat(outPath + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be renamed away, stat err=%v", err)
	}

	var doc struct {
		Title string `json:"title"`
		OneOf []struct {
			Title      string         `json:"title"`
			Properties map[string]any `json:"properties"`
		} `json:"oneOf"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("schema is not valid json: %v", err)
	}
	if doc.Title != "State Sync Protocol" {
		t.Fatalf("unexpected title %q", doc.Title)
	}
	if len(doc.OneOf) != len(proto.Catalog()) {
		t.Fatalf("expected %d frames, got %d", len(proto.Catalog()), len(doc.OneOf))
	}

	var delta map[string]any
	for _, frame := range doc.OneOf {
		if frame.Title == proto.TypeDelta {
			delta = frame.Properties
		}
	}
	if delta == nil {
		t.Fatalf("delta frame missing from schema")
	}
	for _, field := range []string{"baseTick", "tick", "checksum"} {
		if _, ok := delta[field]; !ok {
			t.Fatalf("delta schema missing %q: %v", field, delta)
		}
	}
	if !strings.Contains(stdout.String(), outPath) {
		t.Fatalf("expected summary on stdout, got %q", stdout.String())
	}
}
