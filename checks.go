package wheelhouse

import (
	goerrors "errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/moby/buildkit/client/llb"
	"github.com/moby/buildkit/frontend/dockerfile/shell"
	"github.com/pkg/errors"
)

// DefaultAbsentBinaries are the binaries that must never be found in a runtime image.
var DefaultAbsentBinaries = []string{"git", "ssh", "scp", "gcc", "cc"}

const checkOutDir = "/tmp/wheelhouse/checks"

// Checks are assertions run against the runtime image.
// Every requirement in the manifest being installed and none of
// [DefaultAbsentBinaries] being present are always checked.
type Checks struct {
	// Absent is a list of absolute paths that must not exist in the runtime image.
	Absent []string `yaml:"absent,omitempty" json:"absent,omitempty"`
	// Commands are run in the runtime image and their output checked.
	Commands []CheckCommand `yaml:"commands,omitempty" json:"commands,omitempty"`
}

// CheckCommand is a command run in the runtime image.
// The command must exit 0 and its output must pass the configured checks.
type CheckCommand struct {
	// Name is the name of the check, used in error messages.
	Name string `yaml:"name" json:"name" jsonschema:"required"`
	// Command is run with /bin/sh -c.
	Command string `yaml:"command" json:"command" jsonschema:"required"`
	// Env is the list of environment variables to set for the command.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	// Stdout describes checks to perform against stdout
	Stdout CheckOutput `yaml:"stdout,omitempty" json:"stdout,omitempty"`
	// Stderr describes checks to perform against stderr
	Stderr CheckOutput `yaml:"stderr,omitempty" json:"stderr,omitempty"`
}

// CheckOutput is used to specify the expected output of a check.
// All non-empty fields will be checked.
type CheckOutput struct {
	// Equals is the exact string to compare the output to.
	Equals string `yaml:"equals,omitempty" json:"equals,omitempty"`
	// Contains is the list of strings to check if they are contained in the output.
	Contains []string `yaml:"contains,omitempty" json:"contains,omitempty"`
	// Matches is the list of regular expressions to match the output against.
	Matches []string `yaml:"matches,omitempty" json:"matches,omitempty"`
	// StartsWith is the string to check if the output starts with.
	StartsWith string `yaml:"starts_with,omitempty" json:"starts_with,omitempty"`
	// EndsWith is the string to check if the output ends with.
	EndsWith string `yaml:"ends_with,omitempty" json:"ends_with,omitempty"`
	// Empty is used to check if the output is empty.
	Empty bool `yaml:"empty,omitempty" json:"empty,omitempty"`
}

const (
	CheckOutputEmptyKind      = "empty"
	CheckOutputEqualsKind     = "equals"
	CheckOutputContainsKind   = "contains"
	CheckOutputMatchesKind    = "matches"
	CheckOutputStartsWithKind = "starts_with"
	CheckOutputEndsWithKind   = "ends_with"
	CheckExitCodeKind         = "exit code"
)

// CheckOutputError is used to build an error message for a failed output check.
type CheckOutputError struct {
	Kind     string
	Expected string
	Actual   string
	Path     string
}

func (c *CheckOutputError) Error() string {
	return fmt.Sprintf("expected %q %s %q, got %q", c.Path, c.Kind, c.Expected, c.Actual)
}

// IsEmpty is used to determine if there are any checks to perform.
func (c CheckOutput) IsEmpty() bool {
	return c.Equals == "" && len(c.Contains) == 0 && len(c.Matches) == 0 && c.StartsWith == "" && c.EndsWith == "" && !c.Empty
}

// Check is used to check the output stream.
func (c CheckOutput) Check(dt string, p string) error {
	if c.Empty && dt != "" {
		return &CheckOutputError{Kind: CheckOutputEmptyKind, Expected: "", Actual: dt, Path: p}
	}

	var errs []error
	if c.Equals != "" && c.Equals != dt {
		errs = append(errs, &CheckOutputError{Kind: CheckOutputEqualsKind, Expected: c.Equals, Actual: dt, Path: p})
	}

	for _, contains := range c.Contains {
		if contains != "" && !strings.Contains(dt, contains) {
			errs = append(errs, &CheckOutputError{Kind: CheckOutputContainsKind, Expected: contains, Actual: dt, Path: p})
		}
	}

	for _, matches := range c.Matches {
		re, err := regexp.Compile(matches)
		if err != nil {
			errs = append(errs, &CheckOutputError{Kind: CheckOutputMatchesKind, Expected: matches, Actual: fmt.Sprintf("invalid regexp %q: %v", matches, err), Path: p})
			continue
		}
		if !re.MatchString(dt) {
			errs = append(errs, &CheckOutputError{Kind: CheckOutputMatchesKind, Expected: matches, Actual: dt, Path: p})
		}
	}

	if c.StartsWith != "" && !strings.HasPrefix(dt, c.StartsWith) {
		errs = append(errs, &CheckOutputError{Kind: CheckOutputStartsWithKind, Expected: c.StartsWith, Actual: dt, Path: p})
	}

	if c.EndsWith != "" && !strings.HasSuffix(dt, c.EndsWith) {
		errs = append(errs, &CheckOutputError{Kind: CheckOutputEndsWithKind, Expected: c.EndsWith, Actual: dt, Path: p})
	}

	return goerrors.Join(errs...)
}

func (c *CheckOutput) validate() error {
	var errs []error
	for _, m := range c.Matches {
		if _, err := regexp.Compile(m); err != nil {
			errs = append(errs, errors.Wrapf(err, "matches %q", m))
		}
	}
	if c.Empty && (c.Equals != "" || len(c.Contains) > 0 || c.StartsWith != "" || c.EndsWith != "") {
		errs = append(errs, fmt.Errorf("%w: empty cannot be combined with other output checks", errInvalidSpec))
	}
	return goerrors.Join(errs...)
}

func (c *Checks) validate() error {
	var errs []error

	for _, p := range c.Absent {
		if !path.IsAbs(p) {
			errs = append(errs, fmt.Errorf("%w: absent path must be absolute: %q", errInvalidSpec, p))
		}
	}

	seen := make(map[string]struct{}, len(c.Commands))
	for i, cmd := range c.Commands {
		if cmd.Name == "" {
			errs = append(errs, fmt.Errorf("%w: command at index %d has no name", errInvalidSpec, i))
		} else if _, ok := seen[cmd.Name]; ok {
			errs = append(errs, fmt.Errorf("%w: duplicate command name %q", errInvalidSpec, cmd.Name))
		}
		seen[cmd.Name] = struct{}{}

		if strings.TrimSpace(cmd.Command) == "" {
			errs = append(errs, fmt.Errorf("%w: command %q is empty", errInvalidSpec, cmd.Name))
		}
		if err := cmd.Stdout.validate(); err != nil {
			errs = append(errs, errors.Wrapf(err, "command %q stdout", cmd.Name))
		}
		if err := cmd.Stderr.validate(); err != nil {
			errs = append(errs, errors.Wrapf(err, "command %q stderr", cmd.Name))
		}
	}

	return goerrors.Join(errs...)
}

func (c *CheckOutput) processBuildArgs(lex *shell.Lex, args map[string]string, allowArg func(string) bool) error {
	var errs []error
	expand := func(field string, p *string) {
		updated, err := expandArgs(lex, *p, args, allowArg)
		if err != nil {
			errs = append(errs, errors.Wrap(err, field))
			return
		}
		*p = updated
	}

	expand("equals", &c.Equals)
	expand("starts_with", &c.StartsWith)
	expand("ends_with", &c.EndsWith)
	for i := range c.Contains {
		expand(fmt.Sprintf("contains at list index %d", i), &c.Contains[i])
	}
	for i := range c.Matches {
		expand(fmt.Sprintf("matches at list index %d", i), &c.Matches[i])
	}
	return goerrors.Join(errs...)
}

func (c *Checks) processBuildArgs(lex *shell.Lex, args map[string]string, allowArg func(string) bool) error {
	var errs []error

	if err := expandList(lex, c.Absent, args, allowArg); err != nil {
		errs = append(errs, errors.Wrap(err, "absent"))
	}

	// Commands are left alone: they run in a shell which does its own expansion.
	for i := range c.Commands {
		cmd := &c.Commands[i]
		if err := expandMap(lex, cmd.Env, args, allowArg); err != nil {
			errs = append(errs, errors.Wrapf(err, "command %s env", cmd.Name))
		}
		if err := cmd.Stdout.processBuildArgs(lex, args, allowArg); err != nil {
			errs = append(errs, errors.Wrapf(err, "command %s stdout", cmd.Name))
		}
		if err := cmd.Stderr.processBuildArgs(lex, args, allowArg); err != nil {
			errs = append(errs, errors.Wrapf(err, "command %s stderr", cmd.Name))
		}
	}

	return goerrors.Join(errs...)
}

const assertRuntimeScript = `#!/usr/bin/env sh
set -e

fail=0
mode=""
for arg in "$@"; do
	case "${arg}" in
		--binaries|--paths|--installed)
			mode="${arg}"
			continue
			;;
	esac

	case "${mode}" in
		--binaries)
			if p="$(command -v "${arg}" 2>/dev/null)"; then
				echo "build toolchain binary found in runtime image: ${p}" >&2
				fail=1
			fi
			;;
		--paths)
			if [ -e "${arg}" ] || [ -L "${arg}" ]; then
				echo "path must not exist in runtime image: ${arg}" >&2
				fail=1
			fi
			;;
		--installed)
			if ! python -m pip show -q "${arg}" >/dev/null 2>&1; then
				echo "requirement not installed in runtime image: ${arg}" >&2
				fail=1
			fi
			;;
	esac
done

exit "${fail}"
`

const runCheckScript = `#!/usr/bin/env sh
out="$1"
name="$2"
shift 2

rc=0
/bin/sh -c "$1" > "${out}/${name}.stdout" 2> "${out}/${name}.stderr" || rc=$?
echo "${rc}" > "${out}/${name}.exit"
`

func checkOutputName(i int) string {
	return "command-" + strconv.Itoa(i)
}

// AssertRuntime returns a RunOption that fails if any of the named
// requirements is not installed or if any of the binaries or paths exist.
func AssertRuntime(names, binaries, paths []string) llb.RunOption {
	args := make([]string, 0, len(names)+len(binaries)+len(paths)+3)
	args = append(args, "--binaries")
	args = append(args, binaries...)
	args = append(args, "--paths")
	args = append(args, paths...)
	args = append(args, "--installed")
	args = append(args, names...)

	return RunOptFunc(func(ei *llb.ExecInfo) {
		mountScript(path.Join(scriptDir, "assert-runtime.sh"), []byte(assertRuntimeScript), args...).SetRunOption(ei)
		llb.AddEnv("PIP_DISABLE_PIP_VERSION_CHECK", "1").SetRunOption(ei)
		llb.Network(llb.NetModeNone).SetRunOption(ei)
	})
}

// CheckStage runs the checks against the runtime stage.
// The returned state holds the captured output of every command check, to be
// verified with [Checks.Verify].
// Solving it fails if any of the built-in runtime assertions fail.
func (b *Builder) CheckStage(runtime llb.State, opts ...llb.ConstraintsOpt) llb.State {
	var checks Checks
	if b.spec.Checks != nil {
		checks = *b.spec.Checks
	}

	out := runtime.Run(
		AssertRuntime(b.manifest.WheelNames(), DefaultAbsentBinaries, checks.Absent),
		WithConstraints(append(opts, ProgressGroup("Check runtime image"))...),
	).AddMount(checkOutDir, llb.Scratch())

	for i, cmd := range checks.Commands {
		out = runtime.Run(
			mountScript(path.Join(scriptDir, "run-check.sh"), []byte(runCheckScript), checkOutDir, checkOutputName(i), cmd.Command),
			RunOptFunc(func(ei *llb.ExecInfo) {
				for _, k := range SortMapKeys(cmd.Env) {
					llb.AddEnv(k, cmd.Env[k]).SetRunOption(ei)
				}
			}),
			WithConstraints(append(opts, ProgressGroup("Run check: "+cmd.Name))...),
		).AddMount(checkOutDir, out)
	}

	return out
}

// Verify checks the captured command output in out, as produced by
// [Builder.CheckStage].
// All failures are returned rather than just the first.
func (c *Checks) Verify(out fs.FS) error {
	if c == nil {
		return nil
	}

	var errs []error
	for i, cmd := range c.Commands {
		name := checkOutputName(i)

		read := func(ext string) (string, bool) {
			dt, err := fs.ReadFile(out, name+ext)
			if err != nil {
				errs = append(errs, errors.Wrapf(err, "check %s: error reading output", cmd.Name))
				return "", false
			}
			return string(dt), true
		}

		if rc, ok := read(".exit"); ok {
			rc = strings.TrimSpace(rc)
			if rc != "0" {
				errs = append(errs, errors.Wrapf(&CheckOutputError{Kind: CheckExitCodeKind, Expected: "0", Actual: rc, Path: cmd.Name}, "check %s", cmd.Name))
			}
		}
		if stdout, ok := read(".stdout"); ok {
			if err := cmd.Stdout.Check(stdout, "stdout"); err != nil {
				errs = append(errs, errors.Wrapf(err, "check %s", cmd.Name))
			}
		}
		if stderr, ok := read(".stderr"); ok {
			if err := cmd.Stderr.Check(stderr, "stderr"); err != nil {
				errs = append(errs, errors.Wrapf(err, "check %s", cmd.Name))
			}
		}
	}

	return goerrors.Join(errs...)
}
