package wheelhouse

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

// runScript runs one of the internal shell scripts on the host with a fake
// python on PATH that records its arguments.
func runScript(t *testing.T, script string, args ...string) (string, []string, error) {
	t.Helper()

	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh available")
	}

	dir := t.TempDir()
	bin := filepath.Join(dir, "bin")
	assert.NilError(t, os.Mkdir(bin, 0o755))

	record := filepath.Join(dir, "python-args")
	fake := "#!/bin/sh\nprintf '%s\\n' \"$@\" > " + record + "\n"
	assert.NilError(t, os.WriteFile(filepath.Join(bin, "python"), []byte(fake), 0o755))

	p := filepath.Join(dir, "script.sh")
	assert.NilError(t, os.WriteFile(p, []byte(script), 0o644))

	cmd := exec.Command(sh, append([]string{p}, args...)...)
	cmd.Env = append(os.Environ(), "PATH="+bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	out, runErr := cmd.CombinedOutput()

	var pyArgs []string
	if dt, err := os.ReadFile(record); err == nil {
		pyArgs = strings.Fields(string(dt))
	}
	return string(out), pyArgs, runErr
}

func TestPipInstallScript(t *testing.T) {
	t.Run("no wheels", func(t *testing.T) {
		wheels := t.TempDir()

		out, pyArgs, err := runScript(t, pipInstallScript, wheels)
		assert.NilError(t, err, out)
		assert.Check(t, cmp.Contains(out, "nothing to install"))
		assert.Check(t, cmp.Len(pyArgs, 0))
	})

	t.Run("wheels", func(t *testing.T) {
		wheels := t.TempDir()
		whl := filepath.Join(wheels, "flask-2.0.0-py3-none-any.whl")
		assert.NilError(t, os.WriteFile(whl, nil, 0o644))

		out, pyArgs, err := runScript(t, pipInstallScript, wheels)
		assert.NilError(t, err, out)
		assert.Check(t, cmp.DeepEqual(pyArgs, []string{
			"-m", "pip", "install", "--no-cache-dir", "--no-index", "--no-deps",
			"--find-links=" + wheels, whl,
		}))
	})
}

func TestCheckWheelsScript(t *testing.T) {
	wheels := t.TempDir()
	for _, f := range []string{"Flask-2.0.0-py3-none-any.whl", "zope.interface-6.0-cp311-cp311-linux_x86_64.whl"} {
		assert.NilError(t, os.WriteFile(filepath.Join(wheels, f), nil, 0o644))
	}

	out, _, err := runScript(t, checkWheelsScript, wheels, WheelPrefix("flask"), WheelPrefix("zope-interface"))
	assert.NilError(t, err, out)

	out, _, err = runScript(t, checkWheelsScript, wheels, WheelPrefix("flask"), WheelPrefix("psycopg2"))
	assert.Check(t, err != nil)
	assert.Check(t, cmp.Contains(out, "no wheel built for requirement: psycopg2"))
}
