// Package debug provides build targets that output intermediate artifacts
// of a build instead of the image.
package debug

import (
	"context"
	"fmt"

	"github.com/moby/buildkit/client/llb"
	gwclient "github.com/moby/buildkit/frontend/gateway/client"
	"github.com/moby/buildkit/frontend/subrequests/targets"
	"github.com/wheelhouse/wheelhouse/frontend"
)

// Route is the target prefix the debug handlers are registered under.
const Route = "debug"

const (
	targetResolve      = "resolve"
	targetRequirements = "requirements"
)

var mux frontend.BuildMux

func init() {
	mux.Add(targetResolve, HandleResolve, &targets.Target{
		Name:        targetResolve,
		Description: "Outputs the resolved spec file with build args applied.",
	})
	mux.Add(targetRequirements, HandleRequirements, &targets.Target{
		Name:        targetRequirements,
		Description: "Outputs the parsed requirements manifest as JSON.",
	})
}

// Handle routes requests for the debug targets.
func Handle(ctx context.Context, client gwclient.Client) (*gwclient.Result, error) {
	return mux.Handle(ctx, client)
}

// solveFile writes dt to name in an otherwise empty filesystem and solves it.
func solveFile(ctx context.Context, client gwclient.Client, name string, dt []byte) (gwclient.Reference, error) {
	st := llb.Scratch().File(llb.Mkfile(name, 0640, dt), llb.WithCustomName("Generate "+name))
	def, err := st.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("error marshalling llb: %w", err)
	}

	res, err := client.Solve(ctx, gwclient.SolveRequest{
		Definition: def.ToPB(),
	})
	if err != nil {
		return nil, err
	}
	return res.SingleRef()
}
