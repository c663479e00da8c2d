package wheelhouse

import (
	goerrors "errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/moby/buildkit/frontend/dockerfile/shell"
	"github.com/pkg/errors"
)

const (
	// ArgSkipChecks disables the assertions of the check target.
	ArgSkipChecks = "WHEELHOUSE_SKIP_CHECKS"
)

func knownArg(key string) bool {
	switch key {
	case "BUILDKIT_SYNTAX":
		return true
	case ArgSkipChecks:
		return true
	case "SOURCE_DATE_EPOCH":
		return true
	}

	return platformArg(key)
}

func platformArg(key string) bool {
	switch key {
	case "TARGETOS", "TARGETARCH", "TARGETPLATFORM", "TARGETVARIANT",
		"BUILDOS", "BUILDARCH", "BUILDPLATFORM", "BUILDVARIANT":
		return true
	default:
		return false
	}
}

var argNameRegex = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// referencedArgs returns the names of the variables the word refers to.
// Every identifier in the word is offered to the lexer, which records only the
// ones it actually looks up.
func referencedArgs(lex *shell.Lex, s string, args map[string]string) ([]string, error) {
	env := DuplicateMap(args)
	for _, name := range argNameRegex.FindAllString(s, -1) {
		if _, ok := env[name]; !ok {
			env[name] = ""
		}
	}

	_, matches, err := lex.ProcessWordWithMatches(s, env)
	if err != nil {
		return nil, err
	}
	return SortMapKeys(matches), nil
}

func expandArgs(lex *shell.Lex, s string, args map[string]string, allowArg func(key string) bool) (string, error) {
	if !strings.Contains(s, "$") {
		return s, nil
	}

	names, err := referencedArgs(lex, s, args)
	if err != nil {
		return s, errors.Wrapf(err, "error performing variable expansion on %q", s)
	}

	var errs []error
	for _, name := range names {
		if _, ok := args[name]; ok {
			continue
		}
		if !knownArg(name) && !allowArg(name) {
			errs = append(errs, fmt.Errorf(`build arg "%s" not declared`, name))
		}
	}
	if len(errs) > 0 {
		return s, errors.Wrap(goerrors.Join(errs...), "error performing variable expansion")
	}

	result, _, err := lex.ProcessWordWithMatches(s, args)
	if err != nil {
		return s, errors.Wrapf(err, "error performing variable expansion on %q", s)
	}
	return result, nil
}

func expandList(lex *shell.Lex, ls []string, args map[string]string, allowArg func(string) bool) error {
	var errs []error
	for i, v := range ls {
		updated, err := expandArgs(lex, v, args, allowArg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ls[i] = updated
	}
	return goerrors.Join(errs...)
}

func expandMap(lex *shell.Lex, m map[string]string, args map[string]string, allowArg func(string) bool) error {
	var errs []error
	for _, k := range SortMapKeys(m) {
		updated, err := expandArgs(lex, m[k], args, allowArg)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "key %s", k))
			continue
		}
		m[k] = updated
	}
	return goerrors.Join(errs...)
}

var errUnknownArg = errors.New("unknown arg")

type SubstituteConfig struct {
	AllowArg func(string) bool
}

type SubstituteOpt func(*SubstituteConfig)

// AllowAnyArg can be used to set [SubstituteConfig.AllowArg] to allow any arg
// to be substituted regardless of whether it is declared in the spec.
func AllowAnyArg(string) bool {
	return true
}

// WithAllowAnyArg is a [SubstituteOpt] that sets [SubstituteConfig.AllowArg] to
// [AllowAnyArg].
func WithAllowAnyArg(cfg *SubstituteConfig) {
	cfg.AllowArg = AllowAnyArg
}

// DisallowAllUndeclared is the default [SubstituteConfig.AllowArg].
func DisallowAllUndeclared(string) bool {
	return false
}

// SubstituteArgs expands build args in every string field of the spec that
// ends up in the build.
// Values in env override the defaults declared in [Spec.Args].
func (s *Spec) SubstituteArgs(env map[string]string, opts ...SubstituteOpt) error {
	var cfg SubstituteConfig
	cfg.AllowArg = DisallowAllUndeclared

	for _, o := range opts {
		o(&cfg)
	}

	lex := shell.NewLex('\\')

	var errs []error
	appendErr := func(err error) {
		errs = append(errs, err)
	}

	args := make(map[string]string, len(s.Args)+len(env))
	for k, v := range s.Args {
		args[k] = v
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := env[k]
		if _, ok := s.Args[k]; !ok {
			if !knownArg(k) && !cfg.AllowArg(k) {
				appendErr(fmt.Errorf("%w: %q", errUnknownArg, k))
				continue
			}
			if !platformArg(k) {
				// opt-in only: undeclared args are never injected
				continue
			}
		}
		args[k] = v
	}

	expand := func(field string, p *string) {
		updated, err := expandArgs(lex, *p, args, cfg.AllowArg)
		if err != nil {
			appendErr(errors.Wrap(err, field))
			return
		}
		*p = updated
	}

	expand("base", &s.Base)
	expand("requirements", &s.Requirements)
	expand("pip.index_url", &s.Pip.IndexURL)

	if err := expandList(lex, s.Pip.ExtraIndexURLs, args, cfg.AllowArg); err != nil {
		appendErr(errors.Wrap(err, "pip.extra_index_urls"))
	}
	if err := expandList(lex, s.Build.Packages, args, cfg.AllowArg); err != nil {
		appendErr(errors.Wrap(err, "build.packages"))
	}
	if err := expandList(lex, s.Build.KnownHosts, args, cfg.AllowArg); err != nil {
		appendErr(errors.Wrap(err, "build.known_hosts"))
	}
	if err := expandMap(lex, s.Build.Env, args, cfg.AllowArg); err != nil {
		appendErr(errors.Wrap(err, "build.env"))
	}
	if err := expandList(lex, s.Runtime.Packages, args, cfg.AllowArg); err != nil {
		appendErr(errors.Wrap(err, "runtime.packages"))
	}

	if s.Image != nil {
		if err := s.Image.processBuildArgs(lex, args, cfg.AllowArg); err != nil {
			appendErr(errors.Wrap(err, "image"))
		}
	}

	if s.Checks != nil {
		if err := s.Checks.processBuildArgs(lex, args, cfg.AllowArg); err != nil {
			appendErr(errors.Wrap(err, "checks"))
		}
	}

	return goerrors.Join(errs...)
}

// LoadSpec loads a spec from the given data.
func LoadSpec(dt []byte) (*Spec, error) {
	var spec Spec

	dt, err := stripXFields(dt)
	if err != nil {
		return nil, fmt.Errorf("error stripping x-fields: %w", err)
	}

	if err := yaml.UnmarshalWithOptions(dt, &spec, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("error unmarshalling spec: %w", err)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	spec.FillDefaults()

	return &spec, nil
}

func stripXFields(dt []byte) ([]byte, error) {
	var obj map[string]interface{}
	if err := yaml.Unmarshal(dt, &obj); err != nil {
		return nil, fmt.Errorf("error unmarshalling spec: %w", err)
	}

	for k := range obj {
		if strings.HasPrefix(k, "x-") || strings.HasPrefix(k, "X-") {
			delete(obj, k)
		}
	}

	return yaml.Marshal(obj)
}
