package debug

import (
	"context"
	"encoding/json"
	"fmt"

	gwclient "github.com/moby/buildkit/frontend/gateway/client"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/wheelhouse/wheelhouse"
	"github.com/wheelhouse/wheelhouse/frontend"
)

type requirementsOutput struct {
	*wheelhouse.Manifest
	Files      []string `json:"files"`
	Names      []string `json:"names"`
	Wheels     []string `json:"wheels"`
	SSHHosts   []string `json:"ssh_hosts,omitempty"`
	KnownHosts []string `json:"known_hosts,omitempty"`
}

// HandleRequirements outputs requirements.json describing the parsed
// requirements manifest: every requirement with its file and line, the files
// read to produce it and the hosts that will be trusted for ssh fetches.
func HandleRequirements(ctx context.Context, client gwclient.Client) (*gwclient.Result, error) {
	return frontend.BuildWithPlatform(ctx, client, func(ctx context.Context, client gwclient.Client, _ *ocispecs.Platform, spec *wheelhouse.Spec, _ string) (gwclient.Reference, *wheelhouse.DockerImageSpec, error) {
		b, err := frontend.NewBuilder(ctx, client, spec)
		if err != nil {
			return nil, nil, err
		}

		m := b.Manifest()
		out := requirementsOutput{
			Manifest: m,
			Files:    m.Files(),
			Names:    m.Names(),
			Wheels:   m.WheelNames(),
			SSHHosts: m.SSHHosts(),
		}
		if spec.SSHEnabled() {
			out.KnownHosts = b.KnownHosts()
		}

		dt, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return nil, nil, fmt.Errorf("error marshalling requirements: %w", err)
		}

		ref, err := solveFile(ctx, client, "requirements.json", dt)
		if err != nil {
			return nil, nil, err
		}
		return ref, &wheelhouse.DockerImageSpec{}, nil
	})
}
