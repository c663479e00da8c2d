package frontend

import (
	"context"

	"github.com/moby/buildkit/client/llb"
	"github.com/moby/buildkit/frontend/dockerui"
	gwclient "github.com/moby/buildkit/frontend/gateway/client"
	"github.com/moby/buildkit/util/bklog"
	"github.com/pkg/errors"
	"github.com/wheelhouse/wheelhouse"
	"github.com/wheelhouse/wheelhouse/frontend/pkg/bkfs"
)

// LoadManifest reads the requirements manifest named by the spec, and every
// file it includes, from the main build context.
// The returned state is the build context the manifest was read from.
func LoadManifest(ctx context.Context, client gwclient.Client, spec *wheelhouse.Spec) (*wheelhouse.Manifest, llb.State, error) {
	dc, err := dockerui.NewClient(client)
	if err != nil {
		return nil, llb.Scratch(), err
	}

	bctx, err := dc.MainContext(ctx)
	if err != nil {
		return nil, llb.Scratch(), errors.Wrap(err, "error getting build context")
	}
	if bctx == nil {
		return nil, llb.Scratch(), errors.New("no build context: the requirements manifest is read from the build context")
	}

	fsys, err := bkfs.FromState(ctx, *bctx, client)
	if err != nil {
		return nil, llb.Scratch(), errors.Wrap(err, "error reading build context")
	}

	m, err := wheelhouse.LoadManifest(fsys, spec.Requirements)
	if err != nil {
		return nil, llb.Scratch(), errors.Wrap(err, "error loading requirements manifest")
	}

	bklog.G(ctx).
		WithField("manifest", m.Path).
		WithField("files", m.Files()).
		WithField("requirements", len(m.Requirements)).
		Debug("Loaded requirements manifest")

	return m, *bctx, nil
}

// NewBuilder loads the manifest for the spec and returns a builder for it.
func NewBuilder(ctx context.Context, client gwclient.Client, spec *wheelhouse.Spec) (*wheelhouse.Builder, error) {
	m, bctx, err := LoadManifest(ctx, client, spec)
	if err != nil {
		return nil, err
	}
	return wheelhouse.NewBuilder(spec, m, bctx, wheelhouse.WithMetaResolver(client))
}
