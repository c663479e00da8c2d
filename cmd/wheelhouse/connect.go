package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cpuguy83/dockercfg"
	"github.com/cpuguy83/go-docker/buildkitopt"
	"github.com/cpuguy83/go-docker/transport"
	"github.com/moby/buildkit/client"
	_ "github.com/moby/buildkit/client/connhelper/dockercontainer"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// connect returns a client for the BuildKit at addr.
// With no addr the current buildx builder is used, which is docker's
// embedded BuildKit unless another builder was selected with
// `docker buildx use`.
func connect(ctx context.Context, addr string) (*client.Client, error) {
	if addr != "" {
		logrus.WithField("addr", addr).Debug("Connecting to buildkit")
		return client.New(ctx, addr)
	}

	b, err := currentBuilder()
	if err != nil {
		return nil, err
	}

	if b.Name == "" {
		// This is the "default" buildx instance, aka dockerd's built-in buildkit.
		tr, err := dockerTransport(b.Key)
		if err != nil {
			return nil, err
		}
		logrus.Debug("Connecting to docker's builtin buildkit")
		return client.New(ctx, "", buildkitopt.FromDocker(tr)...)
	}

	addr, err = builderAddr(b.Name)
	if err != nil {
		return nil, err
	}
	logrus.WithField("builder", b.Name).WithField("addr", addr).Debug("Connecting to buildx builder")
	return client.New(ctx, addr)
}

type buildxRef struct {
	Name string
	Key  string
}

type buildxConfig struct {
	Driver string
	Nodes  []struct {
		Name     string
		Endpoint string
	}
}

func buildxDir() (string, error) {
	p, err := dockercfg.ConfigPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(p), "buildx"), nil
}

func currentBuilder() (buildxRef, error) {
	dir, err := buildxDir()
	if err != nil {
		return buildxRef{}, err
	}

	dt, err := os.ReadFile(filepath.Join(dir, "current"))
	if err != nil {
		if os.IsNotExist(err) {
			return buildxRef{}, nil
		}
		return buildxRef{}, errors.Wrap(err, "failed to read current builder")
	}

	var r buildxRef
	if err := json.Unmarshal(dt, &r); err != nil {
		return buildxRef{}, errors.Wrap(err, "failed to unmarshal current builder")
	}
	return r, nil
}

func dockerTransport(key string) (transport.Doer, error) {
	if key != "" {
		return transport.FromConnectionString(key)
	}
	return transport.DefaultTransport()
}

// builderAddr returns the buildkit address of the first node of a buildx
// instance using the docker-container driver.
func builderAddr(name string) (string, error) {
	dir, err := buildxDir()
	if err != nil {
		return "", err
	}

	dt, err := os.ReadFile(filepath.Join(dir, "instances", name))
	if err != nil {
		return "", errors.Wrap(err, "failed to read buildx instance config")
	}

	var cfg buildxConfig
	if err := json.Unmarshal(dt, &cfg); err != nil {
		return "", errors.Wrap(err, "failed to unmarshal buildx config")
	}

	if cfg.Driver != "docker-container" {
		return "", errors.Errorf("unsupported buildx driver %q: use --addr to connect to this builder", cfg.Driver)
	}
	if len(cfg.Nodes) == 0 {
		return "", errors.Errorf("no buildx nodes configured for builder %s", name)
	}
	return "docker-container://buildx_buildkit_" + cfg.Nodes[0].Name, nil
}
