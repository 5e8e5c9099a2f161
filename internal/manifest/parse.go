// Copyright 2025 James Ross
package manifest

import (
	"encoding/json"

	"github.com/autoweave/autoweaved/internal/autoweaveerr"
	"github.com/xeipuuv/gojsonschema"
)

var schemaLoader = gojsonschema.NewStringLoader(schemaJSON)

// Parse decodes raw autoweave.plugin.json bytes into a Manifest. It does
// not enforce semantic validation rules beyond JSON well-formedness and
// the schema's structural shape; call Validate for the rest.
func Parse(raw []byte) (*Manifest, error) {
	docLoader := gojsonschema.NewBytesLoader(raw)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return nil, autoweaveerr.Wrap(autoweaveerr.MalformedManifest, "schema validation failed to run", err)
	}
	if !result.Valid() {
		reason := "unknown schema violation"
		if errs := result.Errors(); len(errs) > 0 {
			reason = errs[0].String()
		}
		return nil, autoweaveerr.New(autoweaveerr.InvalidManifest, reason)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, autoweaveerr.Wrap(autoweaveerr.MalformedManifest, "invalid JSON", err)
	}
	return &m, nil
}
