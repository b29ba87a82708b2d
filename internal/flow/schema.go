package flow

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rshade/flowbatch/internal/failure"
)

//go:embed schema/flow.schema.json
var flowSchemaJSON []byte

const flowSchemaURL = "flow.schema.json"

var (
	schemaOnce     sync.Once //nolint:gochecknoglobals // Compiled once per process.
	compiledSchema *jsonschema.Schema
	errSchema      error
)

func flowSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(flowSchemaJSON))
		if err != nil {
			errSchema = fmt.Errorf("unmarshal flow schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err = c.AddResource(flowSchemaURL, doc); err != nil {
			errSchema = fmt.Errorf("add flow schema resource: %w", err)
			return
		}
		compiledSchema, errSchema = c.Compile(flowSchemaURL)
	})
	return compiledSchema, errSchema
}

// validateSchema checks a decoded YAML document against the flow schema.
func validateSchema(doc any) error {
	sch, err := flowSchema()
	if err != nil {
		return err
	}
	inst, err := toJSONValue(doc)
	if err != nil {
		return invalidFlow("flow cannot be represented as JSON: %v", err)
	}
	if err = sch.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return failure.Wrap(failure.CategoryUser, failure.TargetFlow, failure.CodeInvalidFlow, err,
				"flow does not match schema: %s", verr.Error())
		}
		return invalidFlow("flow does not match schema: %v", err)
	}
	return nil
}

func invalidFlow(format string, args ...any) error {
	return failure.User(failure.TargetFlow, failure.CodeInvalidFlow, format, args...)
}
