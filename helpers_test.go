package wheelhouse

import (
	"context"
	"strings"
	"testing"

	"github.com/moby/buildkit/client/llb"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

func TestSortMapKeys(t *testing.T) {
	keys := SortMapKeys(map[string]int{"wheels": 1, "builder": 2, "image": 3})
	assert.DeepEqual(t, keys, []string{"builder", "image", "wheels"})
	assert.Check(t, cmp.Len(SortMapKeys[int](nil), 0))
}

func TestDuplicateMap(t *testing.T) {
	orig := map[string]string{"TARGETOS": "linux"}
	dup := DuplicateMap(orig)
	dup["TARGETARCH"] = "arm64"

	assert.DeepEqual(t, orig, map[string]string{"TARGETOS": "linux"})
	assert.Check(t, cmp.Len(dup, 2))
}

func TestProgressGroup(t *testing.T) {
	var c llb.Constraints

	ProgressGroup("Build wheels").SetConstraintsOption(&c)
	assert.Assert(t, c.Metadata.ProgressGroup != nil)
	id := c.Metadata.ProgressGroup.Id
	assert.Check(t, id != "")
	assert.Equal(t, c.Metadata.ProgressGroup.Name, "Build wheels")

	ProgressGroup("Verify wheels").SetConstraintsOption(&c)
	assert.Equal(t, c.Metadata.ProgressGroup.Id, id)
	assert.Equal(t, c.Metadata.ProgressGroup.Name, "Verify wheels")

	var other llb.Constraints
	ProgressGroup("Build wheels").SetConstraintsOption(&other)
	assert.Check(t, other.Metadata.ProgressGroup.Id != id)
}

func TestMountScript(t *testing.T) {
	st := llb.Image("python:3.8.3-alpine").Run(mountScript("/tmp/wheelhouse/internal/x.sh", []byte("echo hi\n"), "a", "b")).Root()

	ops := marshalOps(t, st)
	execs := findExecs(ops, "x.sh")
	assert.Assert(t, cmp.Len(execs, 1))

	exec := execs[0]
	assert.DeepEqual(t, exec.Meta.Args, []string{"/bin/sh", "/tmp/wheelhouse/internal/x.sh", "a", "b"})

	m := findMount(exec, "/tmp/wheelhouse/internal/x.sh")
	assert.Assert(t, m != nil)
	assert.Check(t, m.Readonly)
	assert.Equal(t, m.Selector, "script.sh")

	var mkfile bool
	for _, op := range ops {
		f := op.GetFile()
		if f == nil {
			continue
		}
		for _, a := range f.Actions {
			if mk := a.GetMkfile(); mk != nil {
				assert.Equal(t, mk.Path, "/script.sh")
				assert.Equal(t, string(mk.Data), "echo hi\n")
				mkfile = true
			}
		}
	}
	assert.Check(t, mkfile)

	_, err := st.Marshal(context.Background())
	assert.NilError(t, err)
}

func TestWithConstraintsSources(t *testing.T) {
	opt := WithConstraints(llb.WithCustomName("fetch"), ProgressGroup("Sources"))

	sources := map[string]llb.State{
		"image": llb.Image("python:3.8.3-alpine", opt),
		"local": llb.Local("context", opt),
		"git":   llb.Git("https://github.com/pallets/flask.git", "main", opt),
		"http":  llb.HTTP("https://example.com/requirements.txt", opt),
		"oci":   llb.OCILayout("python@sha256:"+strings.Repeat("a", 64), opt),
	}

	for _, name := range SortMapKeys(sources) {
		t.Run(name, func(t *testing.T) {
			def, err := sources[name].Marshal(context.Background())
			assert.NilError(t, err)

			var found bool
			for _, md := range def.Metadata {
				if md.Description["llb.customname"] == "fetch" {
					assert.Check(t, md.ProgressGroup != nil)
					found = true
				}
			}
			assert.Check(t, found)
		})
	}
}
