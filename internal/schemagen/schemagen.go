// Package schemagen writes a JSON schema describing every frame of the sync
// protocol so non-Go clients can validate what they send and receive.
package schemagen

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/teknokomo/universo-platformo-react-sub028/internal/net/proto"
)

var ErrMissingOut = errors.New("schemagen: --out is required")

// Execute parses args and writes the protocol schema to the --out path.
func Execute(stdout io.Writer, stderr io.Writer, args []string) error {
	fs := flag.NewFlagSet("schemagen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var outPath string
	fs.StringVar(&outPath, "out", "", "path to write the JSON schema")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(outPath) == "" {
		return ErrMissingOut
	}

	schema := Build()
	if err := writeSchema(outPath, schema); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %d frame schemas to %s\n", len(schema.OneOf), outPath)
	return nil
}

// Build reflects one inline schema per frame in the protocol catalog.
func Build() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
		DoNotReference:            true,
	}
	root := &jsonschema.Schema{
		Version:     jsonschema.Version,
		Title:       "State Sync Protocol",
		Description: fmt.Sprintf("Frames exchanged over the sync websocket, protocol version %d.", proto.Version),
	}
	for _, named := range proto.Catalog() {
		frame := reflector.Reflect(named.Frame)
		frame.Version = ""
		frame.Title = named.Type
		root.OneOf = append(root.OneOf, frame)
	}
	return root
}

func writeSchema(outPath string, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("schemagen: marshal schema: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("schemagen: create schema directory: %w", err)
	}
	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("schemagen: write temp schema: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("schemagen: replace schema: %w", err)
	}
	return nil
}
