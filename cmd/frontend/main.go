package main

import (
	"os"

	"github.com/moby/buildkit/frontend/gateway/grpcclient"
	"github.com/moby/buildkit/util/appcontext"
	"github.com/moby/buildkit/util/bklog"
	"github.com/sirupsen/logrus"
	"github.com/wheelhouse/wheelhouse/frontend"
	"github.com/wheelhouse/wheelhouse/frontend/debug"
	"google.golang.org/grpc/grpclog"
)

const (
	Package = "github.com/wheelhouse/wheelhouse/cmd/frontend"
)

func main() {
	bklog.L.Logger.SetOutput(os.Stderr)
	grpclog.SetLoggerV2(grpclog.NewLoggerV2WithVerbosity(bklog.L.WriterLevel(logrus.InfoLevel), bklog.L.WriterLevel(logrus.WarnLevel), bklog.L.WriterLevel(logrus.ErrorLevel), 1))

	ctx := appcontext.Context()

	var mux frontend.BuildMux
	frontend.RegisterTargets(&mux)
	mux.Add(debug.Route, debug.Handle, nil)

	if err := grpcclient.RunFromEnvironment(ctx, mux.Handler(frontend.WithSpecValidation)); err != nil {
		bklog.L.WithError(err).Fatal("error running frontend")
		os.Exit(137)
	}
}
