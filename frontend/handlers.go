package frontend

import (
	"context"

	"github.com/moby/buildkit/client/llb"
	gwclient "github.com/moby/buildkit/frontend/gateway/client"
	bktargets "github.com/moby/buildkit/frontend/subrequests/targets"
	"github.com/moby/buildkit/util/bklog"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"github.com/wheelhouse/wheelhouse"
	"github.com/wheelhouse/wheelhouse/frontend/pkg/bkfs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	TargetImage   = "image"
	TargetWheels  = "wheels"
	TargetBuilder = "builder"
	TargetCheck   = "check"
)

var tracer = otel.Tracer("github.com/wheelhouse/wheelhouse/frontend")

// RegisterTargets adds the build targets to the mux.
func RegisterTargets(m *BuildMux) {
	m.Add(TargetImage, HandleImage, &bktargets.Target{
		Name:        TargetImage,
		Description: "Builds the runtime image with the wheels installed.",
		Default:     true,
	})
	m.Add(TargetWheels, HandleWheels, &bktargets.Target{
		Name:        TargetWheels,
		Description: "Outputs only the built wheels.",
	})
	m.Add(TargetBuilder, HandleBuilder, &bktargets.Target{
		Name:        TargetBuilder,
		Description: "Outputs the wheel build stage, for debugging.",
	})
	m.Add(TargetCheck, HandleCheck, &bktargets.Target{
		Name:        TargetCheck,
		Description: "Builds the runtime image and checks it. Set " + wheelhouse.ArgSkipChecks + "=1 to skip the checks.",
	})
}

// withSpan wraps the build func in a span named after the target.
func withSpan(target string, f PlatformBuildFunc) PlatformBuildFunc {
	return func(ctx context.Context, client gwclient.Client, platform *ocispecs.Platform, spec *wheelhouse.Spec, targetKey string) (_ gwclient.Reference, _ *wheelhouse.DockerImageSpec, retErr error) {
		p := platformOrDefault(platform)
		ctx, span := tracer.Start(ctx, "wheelhouse."+target, trace.WithAttributes(
			attribute.String("wheelhouse.spec", spec.Name),
			attribute.String("wheelhouse.base", spec.Base),
			attribute.String("wheelhouse.platform", platformString(p)),
		))
		defer func() {
			if retErr != nil {
				span.RecordError(retErr)
				span.SetStatus(codes.Error, retErr.Error())
			}
			span.End()
		}()

		ctx = bklog.WithLogger(ctx, bklog.G(ctx).WithField("platform", platformString(p)))
		return f(ctx, client, platform, spec, targetKey)
	}
}

func HandleImage(ctx context.Context, client gwclient.Client) (*gwclient.Result, error) {
	return BuildWithPlatform(ctx, client, withSpan(TargetImage, buildImage))
}

func HandleWheels(ctx context.Context, client gwclient.Client) (*gwclient.Result, error) {
	return BuildWithPlatform(ctx, client, withSpan(TargetWheels, func(ctx context.Context, client gwclient.Client, platform *ocispecs.Platform, spec *wheelhouse.Spec, _ string) (gwclient.Reference, *wheelhouse.DockerImageSpec, error) {
		b, err := NewBuilder(ctx, client, spec)
		if err != nil {
			return nil, nil, err
		}

		pc := llb.Platform(platformOrDefault(platform))
		ref, err := solve(ctx, client, b.Wheels(b.BuildStage(pc), pc), false)
		if err != nil {
			return nil, nil, err
		}
		// Do not return a nil image, it may cause a panic
		return ref, &wheelhouse.DockerImageSpec{}, nil
	}))
}

func HandleBuilder(ctx context.Context, client gwclient.Client) (*gwclient.Result, error) {
	return BuildWithPlatform(ctx, client, withSpan(TargetBuilder, func(ctx context.Context, client gwclient.Client, platform *ocispecs.Platform, spec *wheelhouse.Spec, _ string) (gwclient.Reference, *wheelhouse.DockerImageSpec, error) {
		b, err := NewBuilder(ctx, client, spec)
		if err != nil {
			return nil, nil, err
		}

		ref, err := solve(ctx, client, b.BuildStage(llb.Platform(platformOrDefault(platform))), false)
		if err != nil {
			return nil, nil, err
		}

		img, err := ResolveBaseImageConfig(ctx, client, spec.Base, platform)
		if err != nil {
			return nil, nil, err
		}
		return ref, img, nil
	}))
}

func HandleCheck(ctx context.Context, client gwclient.Client) (*gwclient.Result, error) {
	return BuildWithPlatform(ctx, client, withSpan(TargetCheck, func(ctx context.Context, client gwclient.Client, platform *ocispecs.Platform, spec *wheelhouse.Spec, _ string) (gwclient.Reference, *wheelhouse.DockerImageSpec, error) {
		b, err := NewBuilder(ctx, client, spec)
		if err != nil {
			return nil, nil, err
		}

		pc := llb.Platform(platformOrDefault(platform))
		runtime, _ := b.Build(pc)

		if GetBoolBuildArg(client, wheelhouse.ArgSkipChecks) {
			bklog.G(ctx).Info("Skipping checks")
		} else if err := runChecks(ctx, client, b, spec, runtime, pc); err != nil {
			return nil, nil, err
		}

		return finalizeImage(ctx, client, spec, platform, runtime)
	}))
}

func buildImage(ctx context.Context, client gwclient.Client, platform *ocispecs.Platform, spec *wheelhouse.Spec, _ string) (gwclient.Reference, *wheelhouse.DockerImageSpec, error) {
	b, err := NewBuilder(ctx, client, spec)
	if err != nil {
		return nil, nil, err
	}

	runtime, _ := b.Build(llb.Platform(platformOrDefault(platform)))
	return finalizeImage(ctx, client, spec, platform, runtime)
}

func finalizeImage(ctx context.Context, client gwclient.Client, spec *wheelhouse.Spec, platform *ocispecs.Platform, runtime llb.State) (gwclient.Reference, *wheelhouse.DockerImageSpec, error) {
	img, err := BuildImageConfig(ctx, client, spec, platform)
	if err != nil {
		return nil, nil, err
	}

	ref, err := solve(ctx, client, runtime, false)
	if err != nil {
		return nil, nil, err
	}
	return ref, img, nil
}

func runChecks(ctx context.Context, client gwclient.Client, b *wheelhouse.Builder, spec *wheelhouse.Spec, runtime llb.State, opts ...llb.ConstraintsOpt) error {
	ref, err := solve(ctx, client, b.CheckStage(runtime, opts...), true)
	if err != nil {
		return errors.Wrap(err, "runtime image checks failed")
	}

	if err := spec.Checks.Verify(bkfs.FromRef(ctx, ref)); err != nil {
		return errors.Wrap(err, "runtime image checks failed")
	}

	bklog.G(ctx).Info("All checks passed")
	return nil
}
