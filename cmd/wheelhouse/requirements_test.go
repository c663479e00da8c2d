package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/wheelhouse/wheelhouse"
	"gotest.tools/v3/assert"
)

func TestRequirementsPrint(t *testing.T) {
	dir := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("psycopg2==2.8.5\n-r extra.txt\n"), 0o600))
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "extra.txt"), []byte("Flask>=1.1\n"), 0o600))

	c := requirementsCmd{File: "requirements.txt", Context: dir}

	var buf bytes.Buffer
	assert.NilError(t, c.print(&buf))

	var m wheelhouse.Manifest
	assert.NilError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, m.Path, "requirements.txt")
	assert.Assert(t, len(m.Requirements) == 2)
	assert.Equal(t, m.Requirements[0].Name, "psycopg2")
	assert.Equal(t, m.Requirements[1].Name, "Flask")
	assert.Equal(t, m.Requirements[1].File, "extra.txt")
}

func TestBuildFrontendAttrs(t *testing.T) {
	c := buildCmd{
		File:     "specs/app.yml",
		Target:   "wheels",
		Platform: []string{"linux/amd64", "linux/arm64"},
		BuildArg: map[string]string{"PIP_INDEX": "https://pypi.example.com/simple"},
	}

	assert.DeepEqual(t, c.frontendAttrs(), map[string]string{
		"target":              "wheels",
		"filename":            "app.yml",
		"platform":            "linux/amd64,linux/arm64",
		"build-arg:PIP_INDEX": "https://pypi.example.com/simple",
	})
}
