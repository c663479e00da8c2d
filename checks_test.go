package wheelhouse

import (
	"errors"
	"testing"
	"testing/fstest"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

func TestCheckOutput(t *testing.T) {
	cases := []struct {
		title  string
		check  CheckOutput
		output string
		kinds  []string
	}{
		{
			title:  "no checks",
			output: "anything",
		},
		{
			title:  "equals",
			check:  CheckOutput{Equals: "Python 3.8.3\n"},
			output: "Python 3.8.3\n",
		},
		{
			title:  "equals mismatch",
			check:  CheckOutput{Equals: "Python 3.8.3\n"},
			output: "Python 3.11.4\n",
			kinds:  []string{CheckOutputEqualsKind},
		},
		{
			title:  "contains and matches",
			check:  CheckOutput{Contains: []string{"psycopg2"}, Matches: []string{`^psycopg2 2\.8\.\d+`}},
			output: "psycopg2 2.8.5\n",
		},
		{
			title:  "every failure reported",
			check:  CheckOutput{Contains: []string{"flask", "requests"}, StartsWith: "Name:", EndsWith: "\n"},
			output: "nothing",
			kinds:  []string{CheckOutputContainsKind, CheckOutputContainsKind, CheckOutputStartsWithKind, CheckOutputEndsWithKind},
		},
		{
			title:  "empty",
			check:  CheckOutput{Empty: true},
			output: "warning: something\n",
			kinds:  []string{CheckOutputEmptyKind},
		},
		{
			title:  "invalid regexp",
			check:  CheckOutput{Matches: []string{"("}},
			output: "",
			kinds:  []string{CheckOutputMatchesKind},
		},
	}

	for _, tc := range cases {
		t.Run(tc.title, func(t *testing.T) {
			err := tc.check.Check(tc.output, "stdout")
			if len(tc.kinds) == 0 {
				assert.NilError(t, err)
				return
			}

			var kinds []string
			var joined interface{ Unwrap() []error }
			if errors.As(err, &joined) {
				for _, e := range joined.Unwrap() {
					var cErr *CheckOutputError
					assert.Assert(t, errors.As(e, &cErr))
					kinds = append(kinds, cErr.Kind)
				}
			} else {
				var cErr *CheckOutputError
				assert.Assert(t, errors.As(err, &cErr))
				kinds = append(kinds, cErr.Kind)
			}
			assert.Check(t, cmp.DeepEqual(kinds, tc.kinds))
		})
	}
}

func TestChecksValidate(t *testing.T) {
	checks := Checks{
		Absent: []string{"/usr/bin/git", "usr/include"},
		Commands: []CheckCommand{
			{Name: "import", Command: `python -c "import psycopg2"`},
			{Name: "import", Command: "true"},
			{Command: "true"},
			{Name: "blank", Command: "  "},
			{Name: "regexp", Command: "true", Stdout: CheckOutput{Matches: []string{"("}}},
			{Name: "conflict", Command: "true", Stderr: CheckOutput{Empty: true, Contains: []string{"x"}}},
		},
	}

	err := checks.validate()
	assert.Check(t, cmp.ErrorContains(err, `absent path must be absolute: "usr/include"`))
	assert.Check(t, cmp.ErrorContains(err, `duplicate command name "import"`))
	assert.Check(t, cmp.ErrorContains(err, "command at index 2 has no name"))
	assert.Check(t, cmp.ErrorContains(err, `command "blank" is empty`))
	assert.Check(t, cmp.ErrorContains(err, `command "regexp" stdout`))
	assert.Check(t, cmp.ErrorContains(err, "empty cannot be combined"))
}

func TestChecksVerify(t *testing.T) {
	checks := &Checks{
		Commands: []CheckCommand{
			{Name: "version", Command: "python --version", Stdout: CheckOutput{StartsWith: "Python 3.8"}},
			{Name: "import", Command: `python -c "import psycopg2"`, Stderr: CheckOutput{Empty: true}},
			{Name: "fails", Command: "false"},
		},
	}

	out := fstest.MapFS{
		"command-0.exit":   {Data: []byte("0\n")},
		"command-0.stdout": {Data: []byte("Python 3.8.3\n")},
		"command-0.stderr": {Data: []byte("")},
		"command-1.exit":   {Data: []byte("0\n")},
		"command-1.stdout": {Data: []byte("")},
		"command-1.stderr": {Data: []byte("DeprecationWarning\n")},
		"command-2.exit":   {Data: []byte("1\n")},
		"command-2.stdout": {Data: []byte("")},
		"command-2.stderr": {Data: []byte("")},
	}

	err := checks.Verify(out)
	assert.Check(t, cmp.ErrorContains(err, "check import"))
	assert.Check(t, cmp.ErrorContains(err, `expected "stderr" empty`))
	assert.Check(t, cmp.ErrorContains(err, "check fails"))
	assert.Check(t, cmp.ErrorContains(err, `expected "fails" exit code "0", got "1"`))

	out["command-1.stderr"] = &fstest.MapFile{Data: []byte("")}
	out["command-2.exit"] = &fstest.MapFile{Data: []byte("0\n")}
	assert.NilError(t, checks.Verify(out))

	delete(out, "command-0.stdout")
	assert.Check(t, cmp.ErrorContains(checks.Verify(out), "check version: error reading output"))

	var nilChecks *Checks
	assert.NilError(t, nilChecks.Verify(out))
}
