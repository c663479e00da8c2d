package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"testing"

	"github.com/moby/buildkit/client/llb"
	"github.com/moby/buildkit/client/llb/sourceresolver"
	gwclient "github.com/moby/buildkit/frontend/gateway/client"
	gwpb "github.com/moby/buildkit/frontend/gateway/pb"
	"github.com/moby/buildkit/frontend/subrequests"
	"github.com/moby/buildkit/frontend/subrequests/targets"
	"github.com/moby/buildkit/solver/pb"
	"github.com/opencontainers/go-digest"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

func TestBuildMux(t *testing.T) {
	ctx := context.Background()

	var mux BuildMux

	newCallback := func() (count func() int, bf gwclient.BuildFunc) {
		var i int

		count = func() int {
			return i
		}
		bf = stubHandler(func() {
			i++
		})
		return count, bf
	}

	// A "real" handler is expected to build things, not route to other handlers.
	realCount, realH := newCallback()
	mux.Add("real", realH, &targets.Target{
		Name:    "real",
		Default: true,
	})

	expectedRealcount := 0
	client := newStubClient(withStubOptTarget("real"))
	_, err := mux.Handle(ctx, client)
	if err != nil {
		t.Fatal(err)
	}
	expectedRealcount++

	if count := realCount(); count != expectedRealcount {
		t.Errorf("expected real handler call count to be %d, got %d", expectedRealcount, count)
	}

	// This subrouter handles routes for real/subroute/*.
	var subRouter BuildMux
	subRouteACount, subrouteAH := newCallback()
	subRouter.Add("a", subrouteAH, &targets.Target{Name: "a"})
	mux.Add("real/subroute", subRouter.Handle, nil)
	expectedSubrouteACount := 0

	// Same target again, only the real handler should be called.
	_, err = mux.Handle(ctx, client)
	if err != nil {
		t.Fatal(err)
	}

	expectedRealcount++
	if count := realCount(); count != expectedRealcount {
		t.Fatalf("expected real handler to be called %d times, got %d", expectedRealcount, count)
	}

	if count := subRouteACount(); count != expectedSubrouteACount {
		t.Errorf("expected real/subroute/a handler to be called %d times, got %d", expectedSubrouteACount, count)
	}

	client = newStubClient(withStubOptTarget("real/subroute/a"))
	_, err = mux.Handle(ctx, client)
	if err != nil {
		t.Fatal(err)
	}
	expectedSubrouteACount++

	if count := realCount(); count != 2 {
		t.Errorf("expected real handler to be called twice, got %d", count)
	}

	if count := subRouteACount(); count != expectedSubrouteACount {
		t.Errorf("expected real/subroute/a handler to be called %d times, got %d", expectedSubrouteACount, count)
	}

	// Empty target goes to the default handler
	client = newStubClient(withStubOptTarget(""))
	_, err = mux.Handle(ctx, client)
	assert.NilError(t, err)
	assert.Equal(t, realCount(), 3)
}

func TestBuildMuxTargetKey(t *testing.T) {
	ctx := context.Background()

	var (
		mux, sub     BuildMux
		gotKey       string
		gotSubTarget string
	)

	sub.Add("resolve", func(ctx context.Context, client gwclient.Client) (*gwclient.Result, error) {
		gotKey = GetTargetKey(client)
		gotSubTarget = client.BuildOpts().Opts[keyTarget]
		return nil, nil
	}, &targets.Target{Name: "resolve"})
	mux.Add("debug", sub.Handle, nil)

	_, err := mux.Handle(ctx, newStubClient(withStubOptTarget("debug/resolve")))
	assert.NilError(t, err)
	assert.Equal(t, gotKey, "debug")
	assert.Equal(t, gotSubTarget, "")
}

func TestBuildMuxNotFound(t *testing.T) {
	ctx := context.Background()

	var mux, sub BuildMux
	mux.Add(TargetImage, stubHandler(func() {}), &targets.Target{Name: TargetImage})
	sub.Add("resolve", stubHandler(func() {}), &targets.Target{Name: "resolve"})
	mux.Add("debug", sub.Handle, nil)

	_, err := mux.Handle(ctx, newStubClient(withStubOptTarget("nope")))
	var notFound *noSuchHandlerError
	assert.Assert(t, errors.As(err, &notFound), "got %v", err)
	assert.Equal(t, notFound.Target, "nope")
	assert.DeepEqual(t, notFound.Available, []string{"debug", TargetImage})

	_, err = mux.Handle(ctx, newStubClient(withStubOptTarget("debug/nope")))
	assert.Assert(t, errors.As(err, &notFound), "got %v", err)
	assert.Equal(t, notFound.Target, "debug/nope")
	assert.DeepEqual(t, notFound.Available, []string{"debug/resolve"})
	assert.Check(t, cmp.ErrorContains(err, `error handling requested build target "debug/nope"`))
}

func TestBuildMuxLongestPrefix(t *testing.T) {
	ctx := context.Background()

	var (
		mux, sub BuildMux
		called   []string
	)
	mux.Add("debug", stubHandler(func() { called = append(called, "debug") }), nil)
	sub.Add("a", stubHandler(func() { called = append(called, "debug/nested/a") }), &targets.Target{Name: "a"})
	mux.Add("debug/nested", sub.Handle, nil)

	_, err := mux.Handle(ctx, newStubClient(withStubOptTarget("debug/nested/a")))
	assert.NilError(t, err)
	assert.DeepEqual(t, called, []string{"debug/nested/a"})

	_, err = mux.Handle(ctx, newStubClient(withStubOptTarget("debug/other")))
	assert.NilError(t, err)
	assert.DeepEqual(t, called, []string{"debug/nested/a", "debug"})
}

func TestBuildMuxList(t *testing.T) {
	ctx := context.Background()

	var mux, sub BuildMux
	RegisterTargets(&mux)
	sub.Add("resolve", stubHandler(func() {}), &targets.Target{Name: "resolve"})
	mux.Add("debug", sub.Handle, nil)

	client := newStubClient(withStubOpt(requestIDKey, targets.SubrequestsTargetsDefinition.Name))
	res, err := mux.Handle(ctx, client)
	assert.NilError(t, err)

	var ls targets.List
	assert.NilError(t, unmarshalResult(res, &ls))

	var names []string
	var defaults []string
	for _, tgt := range ls.Targets {
		names = append(names, tgt.Name)
		if tgt.Default {
			defaults = append(defaults, tgt.Name)
		}
	}
	assert.DeepEqual(t, names, []string{TargetBuilder, TargetCheck, "debug/resolve", TargetImage, TargetWheels})
	assert.DeepEqual(t, defaults, []string{TargetImage})

	// Filtered by target
	client = newStubClient(
		withStubOpt(requestIDKey, targets.SubrequestsTargetsDefinition.Name),
		withStubOptTarget("debug"),
	)
	res, err = mux.Handle(ctx, client)
	assert.NilError(t, err)

	ls = targets.List{}
	assert.NilError(t, unmarshalResult(res, &ls))
	assert.Assert(t, cmp.Len(ls.Targets, 1))
	assert.Equal(t, ls.Targets[0].Name, "debug/resolve")
}

func TestBuildMuxDescribe(t *testing.T) {
	var mux BuildMux
	RegisterTargets(&mux)

	res, err := mux.Handle(context.Background(), newStubClient(withStubOpt(requestIDKey, subrequests.RequestSubrequestsDescribe)))
	assert.NilError(t, err)

	var reqs []subrequests.Request
	assert.NilError(t, json.Unmarshal(res.Metadata["result.json"], &reqs))

	var names []string
	for _, r := range reqs {
		names = append(names, r.Name)
	}
	assert.DeepEqual(t, names, []string{targets.SubrequestsTargetsDefinition.Name, subrequests.RequestSubrequestsDescribe})
	assert.Check(t, len(res.Metadata["result.txt"]) > 0)
}

func TestBuildMuxUnknownSubrequest(t *testing.T) {
	var mux BuildMux
	RegisterTargets(&mux)

	_, err := mux.Handle(context.Background(), newStubClient(withStubOpt(requestIDKey, "frontend.lint")))
	assert.Check(t, cmp.ErrorContains(err, `unsupported subrequest "frontend.lint"`))
}

func TestGetBoolBuildArg(t *testing.T) {
	client := newStubClient(
		withStubOpt("build-arg:A", "1"),
		withStubOpt("build-arg:B", "false"),
		withStubOpt("build-arg:C", "bogus"),
	)

	assert.Check(t, GetBoolBuildArg(client, "A"))
	assert.Check(t, !GetBoolBuildArg(client, "B"))
	assert.Check(t, !GetBoolBuildArg(client, "C"))
	assert.Check(t, !GetBoolBuildArg(client, "D"))

	v, ok := GetBuildArg(client, "B")
	assert.Check(t, ok)
	assert.Check(t, cmp.Equal(v, "false"))
}

func stubHandler(cb func()) gwclient.BuildFunc {
	return func(ctx context.Context, client gwclient.Client) (*gwclient.Result, error) {
		cb()
		return nil, nil
	}
}

var _ gwclient.Client = (*stubClient)(nil)

type stubClient struct {
	opts     map[string]string
	inputs   map[string]llb.State
	imageRes llb.ImageMetaResolver
	metaRes  sourceresolver.MetaResolver
}

type stubOpt func(*stubClient)

func withStubOptTarget(t string) stubOpt {
	return withStubOpt(keyTarget, t)
}

func withStubOpt(k, v string) stubOpt {
	return func(c *stubClient) {
		c.opts[k] = v
	}
}

func newStubClient(opts ...stubOpt) *stubClient {
	c := &stubClient{
		opts:   make(map[string]string),
		inputs: make(map[string]llb.State),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *stubClient) BuildOpts() gwclient.BuildOpts {
	return gwclient.BuildOpts{
		Opts:    maps.Clone(c.opts),
		Caps:    gwpb.Caps.CapSet(gwpb.Caps.All()),
		LLBCaps: pb.Caps.CapSet(pb.Caps.All()),
	}
}

func (c *stubClient) Inputs(context.Context) (map[string]llb.State, error) {
	return maps.Clone(c.inputs), nil
}

func (c *stubClient) NewContainer(context.Context, gwclient.NewContainerRequest) (gwclient.Container, error) {
	return nil, errors.New("not implemented")
}

func (c *stubClient) ResolveImageConfig(ctx context.Context, ref string, opt sourceresolver.Opt) (string, digest.Digest, []byte, error) {
	if c.imageRes == nil {
		return "", "", nil, errors.New("not implemented")
	}
	return c.imageRes.ResolveImageConfig(ctx, ref, opt)
}

func (c *stubClient) ResolveSourceMetadata(ctx context.Context, op *pb.SourceOp, opt sourceresolver.Opt) (*sourceresolver.MetaResponse, error) {
	if c.metaRes == nil {
		return nil, errors.New("not implemented")
	}
	return c.metaRes.ResolveSourceMetadata(ctx, op, opt)
}

func (c *stubClient) Solve(ctx context.Context, req gwclient.SolveRequest) (*gwclient.Result, error) {
	return nil, errors.New("not implemented")
}

func (c *stubClient) Warn(ctx context.Context, dgst digest.Digest, msg string, opts gwclient.WarnOpts) error {
	return errors.New("not implemented")
}
