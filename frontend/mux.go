package frontend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/moby/buildkit/client/llb"
	"github.com/moby/buildkit/frontend/dockerui"
	gwclient "github.com/moby/buildkit/frontend/gateway/client"
	"github.com/moby/buildkit/frontend/subrequests"
	bktargets "github.com/moby/buildkit/frontend/subrequests/targets"
	"github.com/moby/buildkit/util/bklog"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/wheelhouse/wheelhouse"
)

// BuildMux implements a buildkit BuildFunc via its Handle method. With a
// BuildMux you register routes with mux.Add("someKey", SomeHandler,
// optionalTargetInfo).
//
// When a build request is made, BuildMux matches the requested build target
// to a registered handler:
//
//  1. Build target is an exact match to a registered route
//  2. Build target is empty, check if a default handler is registered
//  3. Check if any of the registered handlers have a route that is a prefix
//     match to the build target, preferring the longest one
//
// Route handlers are themselves BuildFuncs, so a handler can be another
// BuildMux with its own routes. When BuildMux calls a handler it trims the
// matched route from the target, so a request for debug/resolve reaches the
// handler registered for debug with the target set to resolve.
//
// The first matched route is recorded in the wheelhouse.target build option
// so nested handlers know which top-level target they serve.
type BuildMux struct {
	handlers map[string]handler
	defaultH *handler
	// cached spec so we don't have to load it every time its needed
	spec *wheelhouse.Spec
}

type handler struct {
	f gwclient.BuildFunc
	t *bktargets.Target
}

// Add adds a handler for the given target
// [targetPath] is the resource path to be handled
func (m *BuildMux) Add(targetPath string, bf gwclient.BuildFunc, info *bktargets.Target) {
	if m.handlers == nil {
		m.handlers = make(map[string]handler)
	}

	h := handler{bf, info}
	m.handlers[targetPath] = h

	if info != nil && info.Default {
		m.defaultH = &h
	}

	bklog.G(context.TODO()).WithField("target", targetPath).Debug("Added handler to router")
}

const keyTarget = "target"

// describe returns the subrequests that are supported
func (m *BuildMux) describe() (*gwclient.Result, error) {
	subs := []subrequests.Request{bktargets.SubrequestsTargetsDefinition, subrequests.SubrequestsDescribeDefinition}

	dt, err := json.Marshal(subs)
	if err != nil {
		return nil, errors.Wrap(err, "error marshalling describe result to json")
	}

	buf := bytes.NewBuffer(nil)
	if err := subrequests.PrintDescribe(dt, buf); err != nil {
		return nil, err
	}

	res := gwclient.NewResult()
	res.Metadata = map[string][]byte{
		"result.json": dt,
		"result.txt":  buf.Bytes(),
		"version":     []byte(subrequests.SubrequestsDescribeDefinition.Version),
	}
	return res, nil
}

func (m *BuildMux) handleSubrequest(ctx context.Context, client gwclient.Client, opts map[string]string) (*gwclient.Result, bool, error) {
	switch opts[requestIDKey] {
	case "":
		return nil, false, nil
	case subrequests.RequestSubrequestsDescribe:
		res, err := m.describe()
		return res, true, err
	case bktargets.SubrequestsTargetsDefinition.Name:
		res, err := m.list(ctx, client, opts[keyTarget])
		return res, true, err
	default:
		return nil, false, errors.Errorf("unsupported subrequest %q", opts[requestIDKey])
	}
}

func (m *BuildMux) loadSpec(ctx context.Context, client gwclient.Client) (*wheelhouse.Spec, error) {
	if m.spec != nil {
		return m.spec, nil
	}
	dc, err := dockerui.NewClient(client)
	if err != nil {
		return nil, err
	}

	// Note: this is not suitable for passing to builds since it does not have platform information
	spec, err := LoadSpec(ctx, dc, nil)
	if err != nil {
		return nil, err
	}
	m.spec = spec

	return spec, nil
}

func maybeSetTargetKey(client gwclient.Client, key string) gwclient.Client {
	opts := client.BuildOpts()
	if opts.Opts[keyTopLevelTarget] != "" {
		// do nothing since this is already set
		return client
	}

	// The gateway client makes a grpc request to get the build opts.
	// Wrapping it caches those opts locally.
	if _, ok := client.(*clientWithCustomOpts); !ok {
		client = &clientWithCustomOpts{opts: opts, Client: client}
	}
	return setClientOptOption(client, keyTopLevelTarget, key)
}

// list outputs the list of targets that are supported by the mux
func (m *BuildMux) list(ctx context.Context, client gwclient.Client, target string) (*gwclient.Result, error) {
	var ls bktargets.List

	var check []string
	if target == "" {
		check = wheelhouse.SortMapKeys(m.handlers)
	} else {
		// Use the target as a filter so the response only includes routes that are underneath the target
		check = append(check, target)
	}

	bklog.G(ctx).WithField("checks", check).Debug("Checking targets")

	for _, t := range check {
		ctx := bklog.WithLogger(ctx, bklog.G(ctx).WithField("check", t))
		matched, h, err := m.lookupTarget(ctx, t)
		if err != nil {
			bklog.G(ctx).WithError(err).Warn("Error looking up target, skipping")
			continue
		}

		if h.t != nil {
			ls.Targets = append(ls.Targets, *h.t)
			continue
		}

		// No target info, so the handler must be a router which can answer
		// the list subrequest itself.
		bklog.G(ctx).WithField("matched", matched).Debug("No target info, calling handler")
		res, err := h.f(ctx, maybeSetTargetKey(trimTargetOpt(client, matched), matched))
		if err != nil {
			bklog.G(ctx).Errorf("%+v", err)
			return nil, err
		}

		var sub bktargets.List
		if err := unmarshalResult(res, &sub); err != nil {
			return nil, err
		}

		for _, t := range sub.Targets {
			t.Name = path.Join(matched, t.Name)
			ls.Targets = append(ls.Targets, t)
		}
	}

	return ls.ToResult()
}

type noSuchHandlerError struct {
	Target    string
	Available []string
}

func handlerNotFound(target string, available []string) error {
	return &noSuchHandlerError{Target: target, Available: available}
}

func (err *noSuchHandlerError) Error() string {
	return fmt.Sprintf("no such handler for target %q: available targets: %s", err.Target, strings.Join(err.Available, ", "))
}

func (m *BuildMux) lookupTarget(ctx context.Context, target string) (matchedPattern string, _ *handler, _ error) {
	h, ok := m.handlers[target]
	if ok {
		return target, &h, nil
	}

	if target == "" && m.defaultH != nil {
		bklog.G(ctx).Debug("Using default target")
		return target, m.defaultH, nil
	}

	// The longest registered prefix wins so nested routes are not shadowed by their parents.
	var prefix string
	for k := range m.handlers {
		if strings.HasPrefix(target, k+"/") && len(k) > len(prefix) {
			prefix = k
		}
	}
	if prefix != "" {
		h := m.handlers[prefix]
		bklog.G(ctx).WithField("prefix", prefix).WithField("matching request", target).Debug("Using prefix match for target")
		return prefix, &h, nil
	}

	return "", nil, handlerNotFound(target, wheelhouse.SortMapKeys(m.handlers))
}

// Handle is a [gwclient.BuildFunc] that routes requests to registered handlers
func (m *BuildMux) Handle(ctx context.Context, client gwclient.Client) (_ *gwclient.Result, retErr error) {
	// Cache the opts in case this is the raw client
	// This prevents a grpc request for multiple calls to BuildOpts
	opts := client.BuildOpts().Opts
	origOpts := wheelhouse.DuplicateMap(opts)

	t := opts[keyTarget]

	defer func() {
		if retErr != nil {
			if _, ok := origOpts[keyTopLevelTarget]; !ok {
				retErr = errors.Wrapf(retErr, "error handling requested build target %q", t)

				// If we have a spec name, load it to make the error message more helpful
				spec, _ := m.loadSpec(ctx, client)
				if spec != nil && spec.Name != "" {
					retErr = errors.Wrapf(retErr, "spec: %s", spec.Name)
				}
			}
		}
	}()

	ctx = bklog.WithLogger(ctx, bklog.G(ctx).
		WithFields(logrus.Fields{
			"handlers":  wheelhouse.SortMapKeys(m.handlers),
			"target":    opts[keyTarget],
			"requestid": opts[requestIDKey],
			"targetKey": GetTargetKey(client),
		}))

	bklog.G(ctx).Debug("Handling request")

	res, handled, err := m.handleSubrequest(ctx, client, opts)
	if err != nil {
		return nil, err
	}
	if handled {
		return res, nil
	}

	matched, h, err := m.lookupTarget(ctx, t)
	if err != nil {
		return nil, err
	}

	ctx = bklog.WithLogger(ctx, bklog.G(ctx).WithField("matched", matched))

	// Remove the handled part of the target so the next handler sees only the rest
	client = trimTargetOpt(client, matched)
	client = maybeSetTargetKey(client, matched)

	res, err = h.f(ctx, client)
	if err != nil {
		return res, injectPathsToNotFoundError(matched, err)
	}
	return res, nil
}

// If the error is from noSuchHandlerError, we want to update the error to include the matched target
// This makes sure the returned error message has the full target path.
func injectPathsToNotFoundError(matched string, err error) error {
	if err == nil {
		return nil
	}

	var e *noSuchHandlerError
	if !errors.As(err, &e) {
		return err
	}

	e.Target = path.Join(matched, e.Target)
	for i, v := range e.Available {
		e.Available[i] = path.Join(matched, v)
	}
	return e
}

func unmarshalResult[T any](res *gwclient.Result, v *T) error {
	dt, ok := res.Metadata["result.json"]
	if !ok {
		return errors.Errorf("no result.json metadata in response")
	}
	return json.Unmarshal(dt, v)
}

// CurrentFrontend is an interface typically implemented by a [gwclient.Client]
// This is used to get the rootfs of the current frontend.
type CurrentFrontend interface {
	CurrentFrontend() (*llb.State, error)
}

var (
	_ gwclient.Client = (*clientWithCustomOpts)(nil)
	_ CurrentFrontend = (*clientWithCustomOpts)(nil)
)

type clientWithCustomOpts struct {
	opts gwclient.BuildOpts
	gwclient.Client
}

func trimTargetOpt(client gwclient.Client, prefix string) *clientWithCustomOpts {
	opts := client.BuildOpts()

	updated := strings.TrimPrefix(opts.Opts[keyTarget], prefix)
	if len(updated) > 0 && updated[0] == '/' {
		updated = updated[1:]
	}
	opts.Opts[keyTarget] = updated
	return &clientWithCustomOpts{
		Client: client,
		opts:   opts,
	}
}

func setClientOptOption(client gwclient.Client, key, value string) *clientWithCustomOpts {
	opts := client.BuildOpts()
	opts.Opts[key] = value
	return &clientWithCustomOpts{
		Client: client,
		opts:   opts,
	}
}

func (d *clientWithCustomOpts) BuildOpts() gwclient.BuildOpts {
	return d.opts
}

func (d *clientWithCustomOpts) CurrentFrontend() (*llb.State, error) {
	return d.Client.(CurrentFrontend).CurrentFrontend()
}

// Handler returns a [gwclient.BuildFunc] that uses the mux to route requests to appropriate handlers
func (m *BuildMux) Handler(opts ...func(context.Context, gwclient.Client, *BuildMux) error) gwclient.BuildFunc {
	return func(ctx context.Context, client gwclient.Client) (*gwclient.Result, error) {
		for _, opt := range opts {
			if err := opt(ctx, client, m); err != nil {
				return nil, err
			}
		}
		return m.Handle(ctx, client)
	}
}

// WithSpecValidation loads and validates the spec before any handler runs so
// spec errors are reported even for targets that do not build.
func WithSpecValidation(ctx context.Context, client gwclient.Client, m *BuildMux) error {
	if client.BuildOpts().Opts[requestIDKey] != "" {
		return nil
	}
	_, err := m.loadSpec(ctx, client)
	return err
}
