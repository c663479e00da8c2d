//go:generate go run ./cmd/gen-jsonschema docs/spec.schema.json
package wheelhouse

import (
	goerrors "errors"
	"fmt"
	"path"
	"strings"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

const (
	// DefaultBaseImage is the interpreter image used for both stages when the
	// spec does not set one.
	DefaultBaseImage = "python:3.8.3-alpine"

	DefaultRequirementsFile = "requirements.txt"
	DefaultWheelDir         = "/wheels"
	DefaultBuildGroup       = ".build-deps"
	DefaultSSHID            = "default"
)

// Spec is the build spec for a wheelhouse image.
// It describes how to build the wheels for a requirements manifest and what
// goes into the runtime image that installs them.
type Spec struct {
	// Name is the name of the image being built.
	// It is only used for labelling and error messages.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Description is a short description of the image.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Args is the list of build args that may be used in the spec.
	// The value is the default for the arg when it is not passed to the build.
	Args map[string]string `yaml:"args,omitempty" json:"args,omitempty"`

	// Base is the interpreter image both stages start from.
	Base string `yaml:"base,omitempty" json:"base,omitempty" jsonschema:"example=python:3.8.3-alpine"`

	// PackageManager is the OS package manager available in the base image.
	PackageManager string `yaml:"package_manager,omitempty" json:"package_manager,omitempty" jsonschema:"enum=apk,enum=apt"`

	// Requirements is the path to the requirements manifest, relative to the
	// root of the build context.
	Requirements string `yaml:"requirements,omitempty" json:"requirements,omitempty"`

	// Build configures the stage that compiles the wheels.
	Build BuildConfig `yaml:"build,omitempty" json:"build,omitempty"`

	// Pip configures how pip builds and installs wheels.
	Pip PipConfig `yaml:"pip,omitempty" json:"pip,omitempty"`

	// Runtime configures the stage that is shipped.
	Runtime RuntimeConfig `yaml:"runtime,omitempty" json:"runtime,omitempty"`

	// Image is the image config for the runtime image.
	Image *ImageConfig `yaml:"image,omitempty" json:"image,omitempty"`

	// Checks are extra assertions run against the runtime image by the check target.
	Checks *Checks `yaml:"checks,omitempty" json:"checks,omitempty"`
}

// BuildConfig configures the wheel build stage.
type BuildConfig struct {
	// Virtual is the name of the virtual package group the build toolchain is
	// installed as.
	Virtual string `yaml:"virtual,omitempty" json:"virtual,omitempty"`
	// Packages is the list of OS packages needed to compile the wheels.
	Packages []string `yaml:"packages,omitempty" json:"packages,omitempty"`
	// SSH is the ID of the ssh agent socket forwarded into the wheel build.
	// This is the ID passed to `docker build --ssh <id>`.
	// When unset the "default" socket is mounted if one is forwarded. When set
	// the build fails unless the socket is forwarded.
	// Set to "none" to disable ssh forwarding.
	SSH string `yaml:"ssh,omitempty" json:"ssh,omitempty"`
	// KnownHosts is the list of hosts whose keys are added to known_hosts
	// Use host:port for ssh servers that do not listen on port 22.
	// before the wheel build.
	// Hosts found in git+ssh requirements are added automatically.
	KnownHosts []string `yaml:"known_hosts,omitempty" json:"known_hosts,omitempty"`
	// Env is the list of environment variables to set for the wheel build.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// PipConfig configures pip.
type PipConfig struct {
	// IndexURL replaces the default package index.
	IndexURL string `yaml:"index_url,omitempty" json:"index_url,omitempty"`
	// ExtraIndexURLs are searched in addition to the package index.
	ExtraIndexURLs []string `yaml:"extra_index_urls,omitempty" json:"extra_index_urls,omitempty"`
	// WheelDir is the absolute path wheels are written to.
	WheelDir string `yaml:"wheel_dir,omitempty" json:"wheel_dir,omitempty"`
	// KeepSources keeps the VCS checkouts pip makes for editable and VCS requirements.
	KeepSources bool `yaml:"keep_sources,omitempty" json:"keep_sources,omitempty"`
	// Cache mounts a persistent pip cache into the wheel build.
	Cache *bool `yaml:"cache,omitempty" json:"cache,omitempty"`
}

// RuntimeConfig configures the runtime stage.
type RuntimeConfig struct {
	// Packages is the list of OS packages (shared libraries) the wheels need at runtime.
	Packages []string `yaml:"packages,omitempty" json:"packages,omitempty"`
	// KeepWheels copies the wheel directory into the runtime image.
	// By default the wheels are only mounted while they are installed.
	KeepWheels bool `yaml:"keep_wheels,omitempty" json:"keep_wheels,omitempty"`
}

// toolchainPackages are OS packages that only belong in the build stage.
var toolchainPackages = map[string]struct{}{
	"build-base":      {},
	"build-essential": {},
	"cmake":           {},
	"g++":             {},
	"gcc":             {},
	"git":             {},
	"libc-dev":        {},
	"libc6-dev":       {},
	"linux-headers":   {},
	"make":            {},
	"musl-dev":        {},
	"openssh":         {},
	"openssh-client":  {},
	"ssh-client":      {},
}

// IsToolchainPackage reports whether the OS package is a compiler, header set,
// VCS client or SSH client.
func IsToolchainPackage(pkg string) bool {
	name := pkg
	if i := strings.IndexAny(pkg, "=<>~"); i >= 0 {
		name = pkg[:i]
	}
	_, ok := toolchainPackages[name]
	if ok {
		return true
	}
	return strings.HasSuffix(name, "-dev") || strings.HasSuffix(name, "-headers")
}

var errInvalidSpec = errors.New("invalid spec")

// Validate checks the spec for errors.
// All errors are returned rather than just the first.
func (s *Spec) Validate() error {
	var errs []error

	if s.Base != "" && !strings.Contains(s.Base, "$") {
		if _, _, err := s.baseReference(); err != nil {
			errs = append(errs, err)
		}
	}

	switch s.PackageManager {
	case "", PackageManagerApk, PackageManagerApt:
	default:
		errs = append(errs, fmt.Errorf("%w: unsupported package manager %q", errInvalidSpec, s.PackageManager))
	}

	if s.Requirements != "" && path.IsAbs(s.Requirements) {
		errs = append(errs, fmt.Errorf("%w: requirements path must be relative to the build context: %q", errInvalidSpec, s.Requirements))
	}

	if s.Pip.WheelDir != "" {
		if !path.IsAbs(s.Pip.WheelDir) || path.Clean(s.Pip.WheelDir) == "/" {
			errs = append(errs, fmt.Errorf("%w: wheel_dir must be an absolute path other than /: %q", errInvalidSpec, s.Pip.WheelDir))
		}
	}

	if strings.ContainsAny(s.Build.Virtual, " \t\n") {
		errs = append(errs, fmt.Errorf("%w: virtual group name must not contain whitespace: %q", errInvalidSpec, s.Build.Virtual))
	}

	for _, pkg := range s.Runtime.Packages {
		if IsToolchainPackage(pkg) {
			errs = append(errs, fmt.Errorf("%w: runtime package %q is build toolchain and belongs in build.packages", errInvalidSpec, pkg))
		}
	}

	if s.Checks != nil {
		if err := s.Checks.validate(); err != nil {
			errs = append(errs, errors.Wrap(err, "checks"))
		}
	}

	return goerrors.Join(errs...)
}

// FillDefaults fills in the default values for any unset fields.
func (s *Spec) FillDefaults() {
	if s.Base == "" {
		s.Base = DefaultBaseImage
	}
	if s.PackageManager == "" {
		s.PackageManager = PackageManagerApk
	}
	if s.Requirements == "" {
		s.Requirements = DefaultRequirementsFile
	}
	if s.Build.Virtual == "" {
		s.Build.Virtual = DefaultBuildGroup
	}
	if s.Pip.WheelDir == "" {
		s.Pip.WheelDir = DefaultWheelDir
	}
	s.Pip.WheelDir = path.Clean(s.Pip.WheelDir)
	if s.Pip.Cache == nil {
		v := true
		s.Pip.Cache = &v
	}
}

// SSHEnabled reports whether the ssh agent socket is mounted into the wheel build.
func (s *Spec) SSHEnabled() bool {
	return s.Build.SSH != "none"
}

// SSHRequired reports whether the build must fail when the ssh agent socket
// is not forwarded.
func (s *Spec) SSHRequired() bool {
	return s.SSHEnabled() && s.Build.SSH != ""
}

// SSHID returns the ID of the ssh agent socket mounted into the wheel build.
func (s *Spec) SSHID() string {
	if s.Build.SSH == "" {
		return DefaultSSHID
	}
	return s.Build.SSH
}

func (s *Spec) baseReference() (reference.Named, digest.Digest, error) {
	ref, err := reference.ParseNormalizedNamed(s.Base)
	if err != nil {
		return nil, "", errors.Wrapf(err, "base %q", s.Base)
	}

	d, ok := ref.(reference.Digested)
	if !ok {
		return ref, "", nil
	}
	dgst := d.Digest()
	if err := dgst.Validate(); err != nil {
		return nil, "", errors.Wrapf(err, "base %q", s.Base)
	}
	return ref, dgst, nil
}

// BaseDigest returns the digest the base image is pinned to, if any.
func (s *Spec) BaseDigest() (digest.Digest, bool) {
	_, dgst, err := s.baseReference()
	if err != nil || dgst == "" {
		return "", false
	}
	return dgst, true
}
