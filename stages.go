package wheelhouse

import (
	"path"
	"slices"
	"strings"

	"github.com/moby/buildkit/client/llb"
	"github.com/pkg/errors"
)

const (
	// requirementsDir is where the manifest files are copied to in the build stage.
	requirementsDir = "/tmp/wheelhouse/context"
)

// Builder produces the LLB for both stages of a wheelhouse image.
type Builder struct {
	spec     *Spec
	manifest *Manifest
	context  llb.State
	resolver llb.ImageMetaResolver
	pm       PackageManager
}

// BuilderOpt configures a [Builder].
type BuilderOpt func(*Builder)

// WithMetaResolver sets the resolver used to fetch the base image config
// (env, working dir, user) when creating the base image state.
func WithMetaResolver(r llb.ImageMetaResolver) BuilderOpt {
	return func(b *Builder) {
		b.resolver = r
	}
}

// NewBuilder creates a builder for the spec.
// bctx is the build context holding the manifest files listed by manifest.
func NewBuilder(spec *Spec, manifest *Manifest, bctx llb.State, opts ...BuilderOpt) (*Builder, error) {
	if spec == nil {
		return nil, errors.New("spec is required")
	}
	if manifest == nil {
		return nil, errors.New("requirements manifest is required")
	}

	pm, err := GetPackageManager(spec.PackageManager)
	if err != nil {
		return nil, err
	}

	b := &Builder{
		spec:     spec,
		manifest: manifest,
		context:  bctx,
		pm:       pm,
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Base returns the base interpreter image both stages start from.
func (b *Builder) Base(opts ...llb.ConstraintsOpt) llb.State {
	imgOpts := []llb.ImageOption{WithConstraints(opts...)}
	if b.resolver != nil {
		imgOpts = append(imgOpts, llb.WithMetaResolver(b.resolver))
	}
	return llb.Image(b.spec.Base, imgOpts...)
}

func (b *Builder) Manifest() *Manifest {
	return b.manifest
}

// KnownHosts returns the hosts to seed known_hosts with.
func (b *Builder) KnownHosts() []string {
	hosts := slices.Clone(b.spec.Build.KnownHosts)
	for _, h := range b.manifest.SSHHosts() {
		if !slices.Contains(hosts, h) {
			hosts = append(hosts, h)
		}
	}
	slices.Sort(hosts)
	return hosts
}

func (b *Builder) hasLocalPaths() bool {
	for _, r := range b.manifest.Requirements {
		if r.URL == "" {
			continue
		}
		if strings.HasPrefix(r.URL, ".") || strings.HasPrefix(r.URL, "/") || strings.HasPrefix(r.URL, "file:") {
			return true
		}
	}
	return false
}

// requirementsState returns the subset of the build context the wheel build needs.
// When the manifest refers to local paths the whole context is needed.
func (b *Builder) requirementsState(opts ...llb.ConstraintsOpt) llb.State {
	if b.hasLocalPaths() {
		return b.context
	}

	return llb.Scratch().File(
		llb.Copy(b.context, "/", "/", WithIncludes(b.manifest.Files()), WithDirContentsOnly(), WithCreateDestPath()),
		WithConstraints(append(opts, llb.WithCustomName("[internal] select requirements files"))...),
	)
}

// BuildStage returns the stage that compiles the wheels.
//
// The toolchain is installed as a single virtual group, host keys for ssh
// based requirements are trusted, and pip builds a wheel for every
// requirement. The stage fails if any named requirement ends up without a wheel.
func (b *Builder) BuildStage(opts ...llb.ConstraintsOpt) llb.State {
	st := b.Base(opts...)

	if len(b.spec.Build.Packages) > 0 {
		st = st.Run(
			b.pm.InstallGroup(b.spec.Build.Virtual, b.spec.Build.Packages),
			WithConstraints(append(opts, ProgressGroup("Install build dependencies"))...),
		).Root()
	}

	if b.spec.SSHEnabled() {
		if hosts := b.KnownHosts(); len(hosts) > 0 {
			st = st.Run(
				SeedKnownHosts(hosts),
				WithConstraints(append(opts, ProgressGroup("Trust ssh hosts"))...),
			).Root()
		}
	}

	// pip builds local projects in place, so those need a writable mount.
	// Writes to it are discarded with the mount.
	mountOpts := []llb.MountOption{llb.Readonly}
	if b.hasLocalPaths() {
		mountOpts = []llb.MountOption{llb.ForceNoOutput}
	}

	reqPath := path.Join(requirementsDir, b.manifest.Path)
	st = st.Run(
		PipWheel(b.spec, reqPath),
		llb.Dir(requirementsDir),
		llb.AddMount(requirementsDir, b.requirementsState(opts...), mountOpts...),
		WithConstraints(append(opts, ProgressGroup("Build wheels"))...),
	).Root()

	if names := b.manifest.WheelNames(); len(names) > 0 {
		st = st.Run(
			CheckWheels(b.spec.Pip.WheelDir, names),
			llb.Network(llb.NetModeNone),
			WithConstraints(append(opts, ProgressGroup("Verify wheels"))...),
		).Root()
	}

	return st
}

// Wheels returns a state holding only the contents of the wheel directory of
// the given build stage.
func (b *Builder) Wheels(build llb.State, opts ...llb.ConstraintsOpt) llb.State {
	return llb.Scratch().File(
		llb.Copy(build, b.spec.Pip.WheelDir, "/", WithDirContentsOnly(), WithIncludes([]string{"*.whl"})),
		WithConstraints(append(opts, ProgressGroup("Collect wheels"))...),
	)
}

// RuntimeStage returns the stage that is shipped.
// It starts again from the base image, installs only the runtime packages and
// installs the wheels with networking disabled.
func (b *Builder) RuntimeStage(wheels llb.State, opts ...llb.ConstraintsOpt) llb.State {
	st := b.Base(opts...)

	if len(b.spec.Runtime.Packages) > 0 {
		st = st.Run(
			b.pm.Install(b.spec.Runtime.Packages),
			WithConstraints(append(opts, ProgressGroup("Install runtime dependencies"))...),
		).Root()
	}

	wheelDir := b.spec.Pip.WheelDir
	if b.spec.Runtime.KeepWheels {
		st = st.File(
			llb.Copy(wheels, "/", wheelDir, WithDirContentsOnly(), WithCreateDestPath()),
			WithConstraints(append(opts, ProgressGroup("Copy wheels"))...),
		)
		return st.Run(
			PipInstallWheels(wheelDir),
			WithConstraints(append(opts, ProgressGroup("Install wheels"))...),
		).Root()
	}

	return st.Run(
		PipInstallWheels(wheelDir),
		llb.AddMount(wheelDir, wheels, llb.Readonly),
		WithConstraints(append(opts, ProgressGroup("Install wheels"))...),
	).Root()
}

// Build returns the runtime stage for the spec along with the build stage it
// depends on.
func (b *Builder) Build(opts ...llb.ConstraintsOpt) (runtime llb.State, build llb.State) {
	build = b.BuildStage(opts...)
	wheels := b.Wheels(build, opts...)
	return b.RuntimeStage(wheels, opts...), build
}
