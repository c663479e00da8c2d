package wheelhouse

import (
	goerrors "errors"

	"github.com/google/shlex"
	"github.com/moby/buildkit/frontend/dockerfile/shell"
	dockerspec "github.com/moby/docker-image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

type DockerImageSpec = dockerspec.DockerOCIImage
type DockerImageConfig = dockerspec.DockerOCIImageConfig

// ImageConfig is the configuration for the runtime image.
type ImageConfig struct {
	// Entrypoint sets the image's "entrypoint" field.
	// This is used to control the default command to run when the image is run.
	Entrypoint string `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"`
	// Cmd sets the image's "cmd" field.
	// When entrypoint is set, this is used as the default arguments to the entrypoint.
	// When entrypoint is not set, this is used as the default command to run.
	Cmd string `yaml:"cmd,omitempty" json:"cmd,omitempty"`
	// Env is the list of environment variables to set in the image.
	Env []string `yaml:"env,omitempty" json:"env,omitempty"`
	// Labels is the list of labels to set in the image metadata.
	Labels map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	// Volumes is the list of volumes for the image.
	Volumes map[string]struct{} `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	// WorkingDir is the working directory to set in the image.
	WorkingDir string `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	// StopSignal is the signal to send to the container to stop it.
	StopSignal string `yaml:"stop_signal,omitempty" json:"stop_signal,omitempty" jsonschema:"example=SIGTERM"`
	// User is the user the image should run as.
	User string `yaml:"user,omitempty" json:"user,omitempty"`
}

func (i *ImageConfig) processBuildArgs(lex *shell.Lex, args map[string]string, allowArg func(string) bool) error {
	var errs []error

	for _, p := range []*string{&i.Entrypoint, &i.Cmd, &i.WorkingDir, &i.User} {
		updated, err := expandArgs(lex, *p, args, allowArg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*p = updated
	}

	if err := expandList(lex, i.Env, args, allowArg); err != nil {
		errs = append(errs, errors.Wrap(err, "env"))
	}
	if err := expandMap(lex, i.Labels, args, allowArg); err != nil {
		errs = append(errs, errors.Wrap(err, "labels"))
	}

	return goerrors.Join(errs...)
}

// MergeImageConfig copies the fields from the source [ImageConfig] into the destination [DockerImageConfig].
// If a field is not set in the source, it is not modified in the destination.
// Envs from [ImageConfig] are merged into the destination and take precedence.
func MergeImageConfig(dst *DockerImageConfig, src *ImageConfig) error {
	if src == nil {
		return nil
	}

	if src.Entrypoint != "" {
		split, err := shlex.Split(src.Entrypoint)
		if err != nil {
			return errors.Wrap(err, "error splitting entrypoint into args")
		}
		dst.Entrypoint = split
		// Reset cmd as this may be totally invalid now
		// This is the same behavior as the Dockerfile frontend
		dst.Cmd = nil
	}
	if src.Cmd != "" {
		split, err := shlex.Split(src.Cmd)
		if err != nil {
			return errors.Wrap(err, "error splitting cmd into args")
		}
		dst.Cmd = split
	}

	if len(src.Env) > 0 {
		// Env is append only
		// If the env var already exists, replace it
		envIdx := make(map[string]int)
		for i, env := range dst.Env {
			envIdx[envKey(env)] = i
		}

		for _, env := range src.Env {
			if idx, ok := envIdx[envKey(env)]; ok {
				dst.Env[idx] = env
			} else {
				dst.Env = append(dst.Env, env)
				envIdx[envKey(env)] = len(dst.Env) - 1
			}
		}
	}

	if len(src.Labels) > 0 {
		if dst.Labels == nil {
			dst.Labels = make(map[string]string, len(src.Labels))
		}
		for k, v := range src.Labels {
			dst.Labels[k] = v
		}
	}

	if len(src.Volumes) > 0 {
		if dst.Volumes == nil {
			dst.Volumes = make(map[string]struct{}, len(src.Volumes))
		}
		for k := range src.Volumes {
			dst.Volumes[k] = struct{}{}
		}
	}

	if src.WorkingDir != "" {
		dst.WorkingDir = src.WorkingDir
	}
	if src.StopSignal != "" {
		dst.StopSignal = src.StopSignal
	}

	if src.User != "" {
		dst.User = src.User
	}

	return nil
}

func envKey(env string) string {
	for i := 0; i < len(env); i++ {
		if env[i] == '=' {
			return env[:i]
		}
	}
	return env
}

// BuildImageConfig merges the spec's image config into the base image's config.
func BuildImageConfig(spec *Spec, img *DockerImageSpec) error {
	cfg := img.Config
	if err := MergeImageConfig(&cfg, spec.Image); err != nil {
		return err
	}

	if spec.Name != "" {
		if cfg.Labels == nil {
			cfg.Labels = make(map[string]string)
		}
		if _, ok := cfg.Labels[LabelName]; !ok {
			cfg.Labels[LabelName] = spec.Name
		}
	}

	img.Config = cfg
	return nil
}

// LabelName is the image label carrying [Spec.Name].
const LabelName = "org.opencontainers.image.title"
