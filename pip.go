package wheelhouse

import (
	"net"
	"path"
	"strings"

	"github.com/moby/buildkit/client/llb"
)

const (
	pipCacheDir = "/root/.cache/pip"
	pipCacheKey = "wheelhouse-pip-cache"

	// srcDir is where pip checks out VCS and editable requirements.
	srcDir = "/tmp/wheelhouse/src"
)

const pipWheelScript = `#!/usr/bin/env sh
set -ex

wheel_dir="$1"
src_dir="$2"
keep_src="$3"
shift 3

mkdir -p "${wheel_dir}"
python -m pip wheel --wheel-dir="${wheel_dir}" --src="${src_dir}" "$@"

if [ "${keep_src}" != "1" ]; then
	rm -rf "${src_dir}"
fi
`

// PipWheelArgs returns the arguments passed to pip wheel after the fixed
// --wheel-dir and --src flags.
func (s *Spec) PipWheelArgs(requirementsPath string) []string {
	var args []string

	if s.Pip.Cache == nil || !*s.Pip.Cache {
		args = append(args, "--no-cache-dir")
	}
	if s.Pip.IndexURL != "" {
		args = append(args, "--index-url="+s.Pip.IndexURL)
	}
	for _, u := range s.Pip.ExtraIndexURLs {
		args = append(args, "--extra-index-url="+u)
	}

	args = append(args, "--requirement="+requirementsPath)
	return args
}

// PipWheel returns a RunOption that builds wheels for every requirement in
// the manifest at requirementsPath into the spec's wheel directory.
// VCS checkouts are removed afterwards unless the spec keeps them.
func PipWheel(spec *Spec, requirementsPath string) llb.RunOption {
	return RunOptFunc(func(ei *llb.ExecInfo) {
		keep := "0"
		if spec.Pip.KeepSources {
			keep = "1"
		}

		args := append([]string{spec.Pip.WheelDir, srcDir, keep}, spec.PipWheelArgs(requirementsPath)...)
		mountScript(path.Join(scriptDir, "pip-wheel.sh"), []byte(pipWheelScript), args...).SetRunOption(ei)

		if spec.Pip.Cache != nil && *spec.Pip.Cache {
			llb.AddMount(pipCacheDir, llb.Scratch(), llb.AsPersistentCacheDir(pipCacheKey, llb.CacheMountLocked)).SetRunOption(ei)
		}

		for _, k := range SortMapKeys(spec.Build.Env) {
			llb.AddEnv(k, spec.Build.Env[k]).SetRunOption(ei)
		}
		llb.AddEnv("PIP_DISABLE_PIP_VERSION_CHECK", "1").SetRunOption(ei)

		if spec.SSHEnabled() {
			sshOpts := []llb.SSHOption{llb.SSHID(spec.SSHID())}
			if !spec.SSHRequired() {
				sshOpts = append(sshOpts, llb.SSHOptional)
			}
			llb.AddSSHSocket(sshOpts...).SetRunOption(ei)
		}
	})
}

const checkWheelsScript = `#!/usr/bin/env sh
set -e

wheel_dir="$1"
shift

found="$(mktemp)"
for f in "${wheel_dir}"/*.whl; do
	[ -e "${f}" ] || continue
	b="${f##*/}"
	printf '%s\n' "${b%%-*}"
done | tr 'A-Z' 'a-z' | sed -e 's/[-_.][-_.]*/_/g' > "${found}"

missing=0
for name in "$@"; do
	if ! grep -qx "${name}" "${found}"; then
		echo "no wheel built for requirement: ${name}" >&2
		missing=1
	fi
done

rm -f "${found}"
exit "${missing}"
`

// CheckWheels returns a RunOption that fails unless the wheel directory holds
// a wheel for every one of the given project names.
func CheckWheels(wheelDir string, names []string) llb.RunOption {
	args := make([]string, 0, len(names)+1)
	args = append(args, wheelDir)
	for _, n := range names {
		args = append(args, WheelPrefix(n))
	}
	return mountScript(path.Join(scriptDir, "check-wheels.sh"), []byte(checkWheelsScript), args...)
}

const pipInstallScript = `#!/usr/bin/env sh
set -ex

wheel_dir="$1"

set -- "${wheel_dir}"/*.whl
if [ ! -e "$1" ]; then
	echo "no wheels in ${wheel_dir}, nothing to install" >&2
	exit 0
fi

python -m pip install --no-cache-dir --no-index --no-deps --find-links="${wheel_dir}" "$@"
`

// PipInstallWheels returns a RunOption that installs every wheel in wheelDir
// without contacting a package index or resolving dependencies.
func PipInstallWheels(wheelDir string) llb.RunOption {
	return RunOptFunc(func(ei *llb.ExecInfo) {
		mountScript(path.Join(scriptDir, "pip-install.sh"), []byte(pipInstallScript), wheelDir).SetRunOption(ei)
		llb.AddEnv("PIP_DISABLE_PIP_VERSION_CHECK", "1").SetRunOption(ei)
		llb.Network(llb.NetModeNone).SetRunOption(ei)
	})
}

const knownHostsScript = `#!/usr/bin/env sh
set -ex

mkdir -p -m 0700 /root/.ssh
while [ "$#" -gt 1 ]; do
	ssh-keyscan -T 10 -p "$2" "$1" >> /root/.ssh/known_hosts
	shift 2
done
chmod 0600 /root/.ssh/known_hosts
`

// SeedKnownHosts returns a RunOption that adds the host keys of the given
// hosts to root's known_hosts.
// Hosts may carry a port (host:port, [v6addr]:port), otherwise port 22 is used.
func SeedKnownHosts(hosts []string) llb.RunOption {
	args := make([]string, 0, len(hosts)*2)
	for _, h := range hosts {
		host, port := splitHostPort(h)
		args = append(args, host, port)
	}
	return mountScript(path.Join(scriptDir, "known-hosts.sh"), []byte(knownHostsScript), args...)
}

func splitHostPort(s string) (host, port string) {
	host, port, err := net.SplitHostPort(s)
	if err != nil || port == "" {
		return strings.Trim(s, "[]"), "22"
	}
	return host, port
}
