package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/moby/buildkit/util/bklog"
	"github.com/sirupsen/logrus"
)

type globals struct {
	Debug bool `short:"D" help:"Enable debug logging." env:"WHEELHOUSE_DEBUG"`
}

var cli struct {
	Globals globals `embed:""`

	Build        buildCmd        `cmd:"" help:"Build a spec with BuildKit."`
	Schema       schemaCmd       `cmd:"" help:"Print the JSON schema for spec files."`
	Requirements requirementsCmd `cmd:"" help:"Parse a requirements file and print it as JSON."`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kctx := kong.Parse(&cli,
		kong.Name("wheelhouse"),
		kong.Description("Builds python images from prebuilt wheels, without the toolchain used to build them."),
		kong.UsageOnError(),
		kong.Configuration(yamlConfig, configPath()),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.Bind(&cli.Globals),
	)

	configureLogger(cli.Globals.Debug)

	if err := kctx.Run(); err != nil {
		logrus.WithError(err).Debugf("%+v", err)
		kctx.FatalIfErrorf(err)
	}
}

func configureLogger(debug bool) {
	logrus.SetOutput(os.Stderr)
	bklog.L.Logger.SetOutput(os.Stderr)
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
		bklog.L.Logger.SetLevel(logrus.DebugLevel)
	}
}
