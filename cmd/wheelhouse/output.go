package main

import (
	"io"
	"os"
	"strings"

	"github.com/moby/buildkit/client"
	"github.com/pkg/errors"
)

// parseOutput parses an --output value.
//
// A plain path is a local directory export. Otherwise the value is a comma
// separated list of key=value pairs with a required type. Exporters that
// write a single stream (tar, oci, docker) require dest. Any other keys are
// passed to the exporter as attributes.
func parseOutput(value string) (client.ExportEntry, error) {
	if !strings.Contains(value, "=") {
		return client.ExportEntry{Type: client.ExporterLocal, OutputDir: value}, nil
	}

	attrs := make(map[string]string)
	for _, kv := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return client.ExportEntry{}, errors.Errorf("expected key=value, got %q", kv)
		}
		attrs[strings.TrimSpace(k)] = v
	}

	e := client.ExportEntry{Type: attrs["type"]}
	delete(attrs, "type")
	dest := attrs["dest"]
	delete(attrs, "dest")

	switch e.Type {
	case "":
		return e, errors.Errorf("output type is required: %q", value)
	case client.ExporterLocal:
		if dest == "" {
			return e, errors.New("output destination is required")
		}
		e.OutputDir = dest
	case client.ExporterTar, client.ExporterOCI, client.ExporterDocker:
		if dest == "" {
			return e, errors.New("output destination is required")
		}
		e.Output = fileOutput(dest)
	}

	if len(attrs) > 0 {
		e.Attrs = attrs
	}
	return e, nil
}

func fileOutput(dest string) func(map[string]string) (io.WriteCloser, error) {
	return func(map[string]string) (io.WriteCloser, error) {
		if dest == "-" {
			return os.Stdout, nil
		}
		return os.Create(dest)
	}
}

func parseOutputs(values []string) ([]client.ExportEntry, error) {
	out := make([]client.ExportEntry, 0, len(values))
	for _, v := range values {
		e, err := parseOutput(v)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
