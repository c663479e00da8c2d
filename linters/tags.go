// Package linters holds analyzers for the wheelhouse source tree.
package linters

import (
	"go/ast"
	"reflect"
	"strconv"
	"strings"

	"golang.org/x/tools/go/analysis"
)

// SpecTags reports struct fields whose yaml and json tags disagree.
// Spec files are decoded from yaml while the JSON schema is generated from
// the json tags, so any yaml-tagged field needs a json tag with the same
// name and the same omitempty setting.
var SpecTags = &analysis.Analyzer{
	Name: "spectags",
	Doc:  "check that yaml tagged struct fields carry a matching json tag",
	Run:  specTagLinter{}.Run,
}

type specTagLinter struct{}

func (l specTagLinter) Run(pass *analysis.Pass) (interface{}, error) {
	for _, file := range pass.Files {
		ast.Inspect(file, func(n ast.Node) bool {
			if st, ok := n.(*ast.StructType); ok {
				l.checkFields(pass, st)
			}
			return true
		})
	}
	return nil, nil
}

func (specTagLinter) checkFields(pass *analysis.Pass, st *ast.StructType) {
	for _, field := range st.Fields.List {
		if field.Tag == nil {
			continue
		}

		raw, err := strconv.Unquote(field.Tag.Value)
		if err != nil {
			continue
		}

		y, hasYAML := parseTag(reflect.StructTag(raw), "yaml")
		if !hasYAML || y.name == "-" {
			continue
		}

		j, hasJSON := parseTag(reflect.StructTag(raw), "json")
		switch {
		case !hasJSON:
			pass.Reportf(field.Pos(), "missing json tag for yaml field %s", y.name)
		case j.name != y.name:
			pass.Reportf(field.Pos(), "mismatch in struct tags: json=%s, yaml=%s", j.name, y.name)
		case j.omitempty != y.omitempty:
			pass.Reportf(field.Pos(), "mismatch in omitempty for %s: json=%t, yaml=%t", y.name, j.omitempty, y.omitempty)
		}
	}
}

type tagValue struct {
	name      string
	omitempty bool
}

func parseTag(tag reflect.StructTag, key string) (tagValue, bool) {
	v, ok := tag.Lookup(key)
	if !ok {
		return tagValue{}, false
	}

	name, opts, _ := strings.Cut(v, ",")
	tv := tagValue{name: name}
	for _, o := range strings.Split(opts, ",") {
		if o == "omitempty" {
			tv.omitempty = true
		}
	}
	return tv, true
}
