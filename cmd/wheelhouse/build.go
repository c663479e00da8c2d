package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/buildkit/client"
	"github.com/moby/buildkit/client/llb"
	"github.com/moby/buildkit/frontend/dockerui"
	"github.com/moby/buildkit/session"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vito/progrock"
	"github.com/wheelhouse/wheelhouse/frontend"
	"github.com/wheelhouse/wheelhouse/frontend/debug"
	"github.com/wheelhouse/wheelhouse/sessionutil/socketprovider"
	"golang.org/x/sync/errgroup"
)

type buildCmd struct {
	File     string            `short:"f" required:"" type:"existingfile" help:"Path to the spec file."`
	Context  string            `arg:"" optional:"" default:"." type:"existingdir" help:"Path to the build context holding the requirements files."`
	Target   string            `short:"t" help:"Target to build: image, wheels, builder, check or debug/*."`
	BuildArg map[string]string `help:"Build args to set." placeholder:"KEY=VALUE"`
	Platform []string          `help:"Platforms to build for." placeholder:"OS/ARCH"`
	Output   []string          `short:"o" help:"Output destination (format: type=local,dest=path)."`
	SSH      []string          `help:"SSH agent sockets to forward (format: default|<id>[=<socket>])."`
	Addr     string            `env:"BUILDKIT_HOST" help:"BuildKit address. Defaults to the current buildx builder."`
}

func readIgnorefile(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, ".dockerignore"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	return ignorefile.ReadAll(f)
}

func (c *buildCmd) frontendAttrs() map[string]string {
	attrs := map[string]string{
		"target":   c.Target,
		"filename": filepath.Base(c.File),
	}
	if len(c.Platform) > 0 {
		attrs["platform"] = strings.Join(c.Platform, ",")
	}
	for k, v := range c.BuildArg {
		attrs["build-arg:"+k] = v
	}
	return attrs
}

func (c *buildCmd) solveOpt() (client.SolveOpt, error) {
	excludes, err := readIgnorefile(c.Context)
	if err != nil {
		return client.SolveOpt{}, errors.Wrap(err, "error reading .dockerignore")
	}

	var bctxOpts []llb.LocalOption
	if len(excludes) > 0 {
		bctxOpts = append(bctxOpts, llb.ExcludePatterns(excludes))
	}

	exports, err := parseOutputs(c.Output)
	if err != nil {
		return client.SolveOpt{}, err
	}

	so := client.SolveOpt{
		FrontendInputs: map[string]llb.State{
			dockerui.DefaultLocalNameContext:    *dockerui.DefaultMainContext(bctxOpts...),
			dockerui.DefaultLocalNameDockerfile: llb.Local(dockerui.DefaultLocalNameDockerfile, llb.IncludePatterns([]string{filepath.Base(c.File)}), llb.WithCustomName("[internal] load spec file")),
		},
		FrontendAttrs: c.frontendAttrs(),
		LocalDirs: map[string]string{
			dockerui.DefaultLocalNameContext:    c.Context,
			dockerui.DefaultLocalNameDockerfile: filepath.Dir(c.File),
		},
		Exports: exports,
	}

	if len(c.SSH) > 0 {
		h, err := socketprovider.FromSpecs(c.SSH)
		if err != nil {
			return client.SolveOpt{}, err
		}
		logrus.WithField("ids", h.IDs()).Debug("Forwarding ssh sockets")
		so.Session = append(so.Session, session.Attachable(h))
	}
	return so, nil
}

func (c *buildCmd) Run(ctx context.Context) error {
	so, err := c.solveOpt()
	if err != nil {
		return err
	}

	bk, err := connect(ctx, c.Addr)
	if err != nil {
		return errors.Wrap(err, "error connecting to buildkit")
	}
	defer bk.Close()

	var mux frontend.BuildMux
	frontend.RegisterTargets(&mux)
	mux.Add(debug.Route, debug.Handle, nil)

	tape := progrock.NewTape()
	rec := progrock.NewRecorder(tape)
	defer tape.Close()
	defer rec.Close()

	return progrock.DefaultUI().Run(ctx, tape, func(ctx context.Context, _ progrock.UIClient) error {
		ch := make(chan *client.SolveStatus)

		eg, ctx := errgroup.WithContext(ctx)
		eg.Go(func() error {
			recordEvents(ctx, ch, rec)
			return nil
		})
		eg.Go(func() error {
			// Build closes ch when it returns.
			_, err := bk.Build(ctx, so, "wheelhouse", mux.Handler(frontend.WithSpecValidation), ch)
			return err
		})
		return eg.Wait()
	})
}
