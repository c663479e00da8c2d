package wheelhouse

import (
	"path"

	"github.com/moby/buildkit/client/llb"
	"github.com/pkg/errors"
)

const (
	PackageManagerApk = "apk"
	PackageManagerApt = "apt"

	// groupStateDir is where package groups are recorded for package managers
	// without native virtual packages.
	groupStateDir = "/var/lib/wheelhouse/groups"

	scriptDir = "/tmp/wheelhouse/internal"
)

// PackageManager installs OS packages into a stage.
type PackageManager interface {
	// Name is the name of the package manager as used in the spec.
	Name() string
	// InstallGroup installs the packages as one named group so the whole set
	// can be identified (and removed) together.
	InstallGroup(group string, packages []string) llb.RunOption
	// Install installs the packages without grouping them.
	Install(packages []string) llb.RunOption
}

// GetPackageManager returns the [PackageManager] registered under name.
func GetPackageManager(name string) (PackageManager, error) {
	switch name {
	case PackageManagerApk, "":
		return apk{}, nil
	case PackageManagerApt:
		return apt{}, nil
	default:
		return nil, errors.Errorf("unsupported package manager %q", name)
	}
}

type apk struct{}

func (apk) Name() string {
	return PackageManagerApk
}

const apkGroupScript = `#!/usr/bin/env sh
set -ex

group="$1"
shift
apk add --no-cache --virtual "${group}" "$@"
`

const apkInstallScript = `#!/usr/bin/env sh
set -ex

apk add --no-cache "$@"
`

func (apk) InstallGroup(group string, packages []string) llb.RunOption {
	return mountScript(path.Join(scriptDir, "apk-group.sh"), []byte(apkGroupScript), append([]string{group}, packages...)...)
}

func (apk) Install(packages []string) llb.RunOption {
	return mountScript(path.Join(scriptDir, "apk-install.sh"), []byte(apkInstallScript), packages...)
}

type apt struct{}

func (apt) Name() string {
	return PackageManagerApt
}

const aptInstallScript = `#!/usr/bin/env sh
set -ex

# Remove any previously failed attempts to get repo data
rm -rf /var/lib/apt/lists/partial/*

apt-get update
apt-get install -y --no-install-recommends "$@"
rm -rf /var/lib/apt/lists/*
`

// apt has no virtual packages so the group is recorded as a file listing its
// members, which can be fed to apt-get purge.
const aptGroupScript = `#!/usr/bin/env sh
set -ex

group="$1"
shift

rm -rf /var/lib/apt/lists/partial/*

apt-get update
apt-get install -y --no-install-recommends "$@"
rm -rf /var/lib/apt/lists/*

mkdir -p ` + groupStateDir + `
printf '%s\n' "$@" > "` + groupStateDir + `/${group}"
`

func (apt) InstallGroup(group string, packages []string) llb.RunOption {
	return RunOptFunc(func(ei *llb.ExecInfo) {
		llb.AddEnv("DEBIAN_FRONTEND", "noninteractive").SetRunOption(ei)
		mountScript(path.Join(scriptDir, "apt-group.sh"), []byte(aptGroupScript), append([]string{group}, packages...)...).SetRunOption(ei)
	})
}

func (apt) Install(packages []string) llb.RunOption {
	return RunOptFunc(func(ei *llb.ExecInfo) {
		llb.AddEnv("DEBIAN_FRONTEND", "noninteractive").SetRunOption(ei)
		mountScript(path.Join(scriptDir, "apt-install.sh"), []byte(aptInstallScript), packages...).SetRunOption(ei)
	})
}
