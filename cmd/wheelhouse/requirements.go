package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/wheelhouse/wheelhouse"
)

type requirementsCmd struct {
	File    string `arg:"" default:"requirements.txt" help:"Requirements file, relative to the context."`
	Context string `short:"C" default:"." type:"existingdir" help:"Directory included files are resolved in."`
}

func (c *requirementsCmd) Run() error {
	return c.print(os.Stdout)
}

func (c *requirementsCmd) print(w io.Writer) error {
	m, err := wheelhouse.LoadManifest(os.DirFS(c.Context), filepath.ToSlash(c.File))
	if err != nil {
		return errors.Wrap(err, "error loading requirements")
	}

	dt, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(dt))
	return err
}
