package frontend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/moby/buildkit/client/llb/sourceresolver"
	"github.com/moby/buildkit/frontend/dockerui"
	gwclient "github.com/moby/buildkit/frontend/gateway/client"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/wheelhouse/wheelhouse"
)

// ResolveBaseImageConfig fetches the image config of ref for the platform.
func ResolveBaseImageConfig(ctx context.Context, client gwclient.Client, ref string, platform *ocispecs.Platform) (*wheelhouse.DockerImageSpec, error) {
	dc, err := dockerui.NewClient(client)
	if err != nil {
		return nil, err
	}

	p := platformOrDefault(platform)
	_, _, dt, err := client.ResolveImageConfig(ctx, ref, sourceresolver.Opt{
		Platform: &p,
		ImageOpt: &sourceresolver.ResolveImageOpt{
			ResolveMode: dc.ImageResolveMode.String(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error resolving image config: %w", err)
	}

	var img wheelhouse.DockerImageSpec
	if err := json.Unmarshal(dt, &img); err != nil {
		return nil, fmt.Errorf("error unmarshalling image config: %w", err)
	}
	return &img, nil
}

// BuildImageConfig returns the image config of the runtime image: the base
// image config with the spec's image config applied on top.
func BuildImageConfig(ctx context.Context, client gwclient.Client, spec *wheelhouse.Spec, platform *ocispecs.Platform) (*wheelhouse.DockerImageSpec, error) {
	img, err := ResolveBaseImageConfig(ctx, client, spec.Base, platform)
	if err != nil {
		return nil, err
	}

	if err := wheelhouse.BuildImageConfig(spec, img); err != nil {
		return nil, err
	}
	return img, nil
}
