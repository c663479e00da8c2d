package main

import (
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/alecthomas/kong"
	yaml "github.com/goccy/go-yaml"
	pkgerrors "github.com/pkg/errors"
)

// configPath returns the location of the defaults file.
//
//	Linux: $XDG_CONFIG_HOME/wheelhouse/config.yml
//	macOS: ~/Library/Application Support/wheelhouse/config.yml
func configPath() string {
	return filepath.Join(xdg.ConfigHome, "wheelhouse", "config.yml")
}

// yamlConfig is a [kong.ConfigurationLoader] for yaml files.
//
// Top-level keys set global flags. Keys under a command name set that
// command's flags:
//
//	debug: true
//	build:
//	  addr: tcp://buildkitd:1234
//	  platform: [linux/amd64]
func yamlConfig(r io.Reader) (kong.Resolver, error) {
	values := map[string]any{}
	if err := yaml.NewDecoder(r).Decode(&values); err != nil && !errors.Is(err, io.EOF) {
		return nil, pkgerrors.Wrap(err, "error parsing config file")
	}

	var f kong.ResolverFunc = func(_ *kong.Context, parent *kong.Path, flag *kong.Flag) (any, error) {
		if parent != nil && parent.Command != nil {
			if v, ok := lookupFlag(asMap(values[parent.Command.Name]), flag.Name); ok {
				return v, nil
			}
		}
		v, _ := lookupFlag(values, flag.Name)
		return v, nil
	}
	return f, nil
}

func lookupFlag(values map[string]any, name string) (any, bool) {
	if values == nil {
		return nil, false
	}
	if v, ok := values[name]; ok {
		return v, true
	}
	v, ok := values[strings.ReplaceAll(name, "-", "_")]
	return v, ok
}

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			if s, ok := k.(string); ok {
				out[s] = v
			}
		}
		return out
	default:
		return nil
	}
}
