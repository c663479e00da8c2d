package wheelhouse

import "github.com/invopop/jsonschema"

// JSONSchema reflects the JSON schema of spec files.
// A nil reflector uses the defaults.
func JSONSchema(r *jsonschema.Reflector) *jsonschema.Schema {
	if r == nil {
		r = &jsonschema.Reflector{}
	}
	s := r.Reflect(&Spec{})
	s.Title = "wheelhouse spec"
	return s
}
