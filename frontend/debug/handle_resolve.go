package debug

import (
	"context"
	"fmt"

	yaml "github.com/goccy/go-yaml"
	gwclient "github.com/moby/buildkit/frontend/gateway/client"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/wheelhouse/wheelhouse"
	"github.com/wheelhouse/wheelhouse/frontend"
)

// HandleResolve outputs spec.yml with defaults filled in and all build args expanded.
func HandleResolve(ctx context.Context, client gwclient.Client) (*gwclient.Result, error) {
	return frontend.BuildWithPlatform(ctx, client, func(ctx context.Context, client gwclient.Client, _ *ocispecs.Platform, spec *wheelhouse.Spec, _ string) (gwclient.Reference, *wheelhouse.DockerImageSpec, error) {
		dt, err := yaml.Marshal(spec)
		if err != nil {
			return nil, nil, fmt.Errorf("error marshalling spec: %w", err)
		}

		ref, err := solveFile(ctx, client, "spec.yml", dt)
		if err != nil {
			return nil, nil, err
		}
		// Do not return a nil image, it may cause a panic
		return ref, &wheelhouse.DockerImageSpec{}, nil
	})
}
