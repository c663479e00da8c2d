package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"
	"github.com/wheelhouse/wheelhouse"
)

func main() {
	var r jsonschema.Reflector
	if err := r.AddGoComments("github.com/wheelhouse/wheelhouse", "./"); err != nil {
		panic(err)
	}

	dt, err := json.MarshalIndent(wheelhouse.JSONSchema(&r), "", "\t")
	if err != nil {
		panic(err)
	}

	if len(os.Args) > 1 {
		if err := os.MkdirAll(filepath.Dir(os.Args[1]), 0755); err != nil {
			panic(err)
		}
		if err := os.WriteFile(os.Args[1], dt, 0644); err != nil {
			panic(err)
		}
		return
	}
	fmt.Println(string(dt))
}
