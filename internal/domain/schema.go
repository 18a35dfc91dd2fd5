package domain

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://insighthub.local/schemas/"

// SchemaValidator checks raw request bodies against the embedded JSON schemas
// before they are decoded into typed requests.
type SchemaValidator struct {
	collect *jsonschema.Schema
	heatmap *jsonschema.Schema
}

func NewSchemaValidator() (*SchemaValidator, error) {
	collect, err := compileSchema("collect.json")
	if err != nil {
		return nil, err
	}
	heatmap, err := compileSchema("heatmap.json")
	if err != nil {
		return nil, err
	}
	return &SchemaValidator{collect: collect, heatmap: heatmap}, nil
}

func (v *SchemaValidator) ValidateCollect(body []byte) []FieldError {
	return validateAgainst(v.collect, body)
}

func (v *SchemaValidator) ValidateHeatmap(body []byte) []FieldError {
	return validateAgainst(v.heatmap, body)
}

func compileSchema(name string) (*jsonschema.Schema, error) {
	b, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", name, err)
	}
	ref := schemaBaseURL + name
	c := jsonschema.NewCompiler()
	if err := c.AddResource(ref, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	sch, err := c.Compile(ref)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return sch, nil
}

func validateAgainst(sch *jsonschema.Schema, body []byte) []FieldError {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return []FieldError{{"body", "invalid json: " + err.Error()}}
	}
	err := sch.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []FieldError{{"body", err.Error()}}
	}
	var out []FieldError
	collectLeaves(ve, &out)
	return out
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]FieldError) {
	if len(ve.Causes) == 0 {
		*out = append(*out, FieldError{Field: pointerToField(ve.InstanceLocation), Msg: ve.Message})
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}

// pointerToField turns "/events/0/name" into "events[0].name".
func pointerToField(ptr string) string {
	var sb strings.Builder
	for _, seg := range strings.Split(ptr, "/") {
		if seg == "" {
			continue
		}
		seg = strings.ReplaceAll(strings.ReplaceAll(seg, "~1", "/"), "~0", "~")
		if _, err := strconv.Atoi(seg); err == nil {
			sb.WriteString("[" + seg + "]")
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(seg)
	}
	if sb.Len() == 0 {
		return "body"
	}
	return sb.String()
}
