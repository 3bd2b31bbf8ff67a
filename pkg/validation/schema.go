package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/constbus/pkg/contracts"
	"github.com/Mindburn-Labs/constbus/pkg/registry"
)

// ContentSchemaCheck validates content against a JSON Schema per message type.
// Types without a schema pass.
type ContentSchemaCheck struct {
	schemas map[contracts.MessageType]*jsonschema.Schema
}

// NewContentSchemaCheck compiles the given schema documents.
func NewContentSchemaCheck(schemas map[contracts.MessageType]string) (*ContentSchemaCheck, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	types := make([]string, 0, len(schemas))
	for mt := range schemas {
		types = append(types, string(mt))
	}
	sort.Strings(types)

	out := &ContentSchemaCheck{schemas: make(map[contracts.MessageType]*jsonschema.Schema, len(schemas))}
	for _, t := range types {
		mt := contracts.MessageType(t)
		if !mt.Valid() {
			return nil, fmt.Errorf("content schema for unknown message type %q", mt)
		}
		schemaURL := fmt.Sprintf("https://constbus.schemas.local/content/%s.schema.json", mt)
		if err := c.AddResource(schemaURL, strings.NewReader(schemas[mt])); err != nil {
			return nil, fmt.Errorf("content schema load failed for %s: %w", mt, err)
		}
		compiled, err := c.Compile(schemaURL)
		if err != nil {
			return nil, fmt.Errorf("content schema compile failed for %s: %w", mt, err)
		}
		out.schemas[mt] = compiled
	}
	return out, nil
}

func (c *ContentSchemaCheck) Name() string { return RuleContentSchema }

func (c *ContentSchemaCheck) Check(msg *contracts.AgentMessage, _ *registry.Snapshot) ([]contracts.Issue, []contracts.Issue) {
	schema, ok := c.schemas[msg.MessageType]
	if !ok {
		return nil, nil
	}
	if len(msg.Content) == 0 {
		return []contracts.Issue{{Rule: RuleContentSchema, Field: "content", Message: fmt.Sprintf("%s requires content", msg.MessageType)}}, nil
	}

	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(msg.Content))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		// RequiredFieldsCheck reports the encoding error.
		return nil, nil
	}
	if err := schema.Validate(doc); err != nil {
		return []contracts.Issue{{Rule: RuleContentSchema, Field: "content", Message: err.Error()}}, nil
	}
	return nil, nil
}
