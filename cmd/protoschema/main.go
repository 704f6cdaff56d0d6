// Command protoschema emits a JSON schema describing the websocket wire
// protocol so client teams can validate payloads without reading the Go
// source.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"worldsync/server/internal/net/proto"
)

func main() {
	var outPath string
	flag.StringVar(&outPath, "out", "", "path to write the JSON schema")
	flag.Parse()

	if outPath == "" {
		fmt.Fprintln(os.Stderr, "--out is required")
		os.Exit(1)
	}

	schema := buildSchema()

	if err := writeSchema(outPath, schema); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write schema: %v\n", err)
		os.Exit(1)
	}
}

func buildSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(new(wireMessages))
	schema.Title = "Entity Sync Wire Protocol"
	schema.Description = "Validates the JSON messages exchanged over the /ws connection."
	return schema
}

// wireMessages exists purely so one schema covers every message shape.
type wireMessages struct {
	Client                proto.ClientMessage         `json:"client"`
	ConnectionEstablished proto.ConnectionEstablished `json:"connectionEstablished"`
	HeartbeatResponse     proto.HeartbeatResponse     `json:"heartbeatResponse"`
	QueryResponse         proto.QueryResponse         `json:"queryResponse"`
	KeyframeResponse      proto.KeyframeResponse      `json:"keyframeResponse"`
	EntityUpdate          proto.EntityUpdate          `json:"entityUpdate"`
	Error                 proto.ErrorResponse         `json:"error"`
}

func writeSchema(outPath string, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outPath, data, 0o644)
}
