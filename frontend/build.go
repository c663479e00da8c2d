package frontend

import (
	"bytes"
	"context"
	"fmt"

	"github.com/containerd/containerd/platforms"
	"github.com/moby/buildkit/frontend/dockerui"
	gwclient "github.com/moby/buildkit/frontend/gateway/client"
	"github.com/moby/buildkit/util/bklog"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"github.com/wheelhouse/wheelhouse"
)

// LoadSpec reads the spec from the dockerfile input and resolves build args
// for the given target platform.
// When platform is nil the default platform of the frontend is used.
func LoadSpec(ctx context.Context, client *dockerui.Client, platform *ocispecs.Platform) (*wheelhouse.Spec, error) {
	src, err := client.ReadEntrypoint(ctx, "Dockerfile")
	if err != nil {
		return nil, fmt.Errorf("could not read spec file: %w", err)
	}

	spec, err := wheelhouse.LoadSpec(bytes.TrimSpace(src.Data))
	if err != nil {
		return nil, fmt.Errorf("error loading spec: %w", err)
	}

	args := wheelhouse.DuplicateMap(client.BuildArgs)
	if platform == nil {
		p := platforms.DefaultSpec()
		platform = &p
	}

	fillPlatformArgs("TARGET", args, *platform)
	if len(client.BuildPlatforms) > 0 {
		fillPlatformArgs("BUILD", args, client.BuildPlatforms[0])
	}

	if err := spec.SubstituteArgs(args); err != nil {
		return nil, errors.Wrap(err, "error resolving build args")
	}

	// Build args may have produced values that were not checked at load time.
	if err := spec.Validate(); err != nil {
		return nil, errors.Wrap(err, "error validating spec after resolving build args")
	}

	if dgst, ok := spec.BaseDigest(); ok {
		bklog.G(ctx).WithField("base", spec.Base).WithField("digest", dgst).Debug("Using pinned base image")
	}
	return spec, nil
}

var passthroughGetters = map[string]func(ocispecs.Platform) string{
	"OS":       func(p ocispecs.Platform) string { return p.OS },
	"ARCH":     func(p ocispecs.Platform) string { return p.Architecture },
	"VARIANT":  func(p ocispecs.Platform) string { return p.Variant },
	"PLATFORM": platforms.Format,
}

func fillPlatformArgs(prefix string, args map[string]string, platform ocispecs.Platform) {
	for attr, getter := range passthroughGetters {
		args[prefix+attr] = getter(platform)
	}
}

type PlatformBuildFunc func(ctx context.Context, client gwclient.Client, platform *ocispecs.Platform, spec *wheelhouse.Spec, targetKey string) (gwclient.Reference, *wheelhouse.DockerImageSpec, error)

// BuildWithPlatform is a helper function to build a spec with a given platform
// It takes care of looping through each target platform and executing the build with the platform args substituted in the spec.
// This also deals with the docker-style multi-platform output.
func BuildWithPlatform(ctx context.Context, client gwclient.Client, f PlatformBuildFunc) (*gwclient.Result, error) {
	dc, err := dockerui.NewClient(client)
	if err != nil {
		return nil, err
	}

	rb, err := dc.Build(ctx, func(ctx context.Context, platform *ocispecs.Platform, idx int) (gwclient.Reference, *wheelhouse.DockerImageSpec, *wheelhouse.DockerImageSpec, error) {
		spec, err := LoadSpec(ctx, dc, platform)
		if err != nil {
			return nil, nil, nil, err
		}
		targetKey := GetTargetKey(client)

		ref, img, err := f(ctx, client, platform, spec, targetKey)
		return ref, img, nil, err
	})
	if err != nil {
		return nil, err
	}
	return rb.Finalize()
}

func platformOrDefault(p *ocispecs.Platform) ocispecs.Platform {
	if p == nil {
		return platforms.DefaultSpec()
	}
	return *p
}

func platformString(p ocispecs.Platform) string {
	return platforms.Format(p)
}
