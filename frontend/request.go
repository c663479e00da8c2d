package frontend

import (
	"context"
	"strconv"

	"github.com/moby/buildkit/client/llb"
	gwclient "github.com/moby/buildkit/frontend/gateway/client"
	"github.com/pkg/errors"
)

const (
	requestIDKey = "requestid"

	// keyTopLevelTarget is set on the client opts to the first matched route
	// so nested handlers know which top-level target they are serving.
	keyTopLevelTarget = "wheelhouse.target"
)

// GetTargetKey returns the top-level target the request was routed to.
func GetTargetKey(client gwclient.Client) string {
	return client.BuildOpts().Opts[keyTopLevelTarget]
}

// GetBuildArg returns the value of the build arg k passed to the build.
func GetBuildArg(client gwclient.Client, k string) (string, bool) {
	opts := client.BuildOpts().Opts
	if opts != nil {
		if v, ok := opts["build-arg:"+k]; ok {
			return v, true
		}
	}
	return "", false
}

// GetBoolBuildArg returns the build arg k parsed as a bool.
// Unset or unparsable values are false.
func GetBoolBuildArg(client gwclient.Client, k string) bool {
	v, ok := GetBuildArg(client, k)
	if !ok {
		return false
	}
	b, _ := strconv.ParseBool(v)
	return b
}

// solve marshals the state and solves it, returning the single resulting reference.
func solve(ctx context.Context, client gwclient.Client, st llb.State, evaluate bool, opts ...llb.ConstraintsOpt) (gwclient.Reference, error) {
	def, err := st.Marshal(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "error marshalling llb")
	}

	res, err := client.Solve(ctx, gwclient.SolveRequest{
		Definition: def.ToPB(),
		Evaluate:   evaluate,
	})
	if err != nil {
		return nil, err
	}
	return res.SingleRef()
}
