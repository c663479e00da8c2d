package main

import (
	"encoding/json"
	"fmt"

	"github.com/wheelhouse/wheelhouse"
)

type schemaCmd struct{}

func (c *schemaCmd) Run() error {
	dt, err := json.MarshalIndent(wheelhouse.JSONSchema(nil), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(dt))
	return nil
}
