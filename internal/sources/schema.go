package sources

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/user/syncbook/internal/highlight"
)

const schemaBaseURL = "https://syncbook.local/schemas/"

func mustCompileSchema(name, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaBaseURL+name, doc); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	sch, err := c.Compile(schemaBaseURL + name)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return sch
}

// validatePayload rejects bodies that are not JSON or do not match sch.
func validatePayload(sch *jsonschema.Schema, source, what string, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return &highlight.IntegrityError{Source: source, Reason: fmt.Sprintf("malformed %s payload: %v", what, err)}
	}
	if err := sch.Validate(inst); err != nil {
		return &highlight.IntegrityError{Source: source, Reason: fmt.Sprintf("unexpected %s payload: %v", what, err)}
	}
	return nil
}
