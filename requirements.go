package wheelhouse

import (
	"bufio"
	goerrors "errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/url"
	"path"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Requirement is a single entry of a requirements manifest.
type Requirement struct {
	// Name is the project name as written in the manifest.
	// It is empty for unnamed URL or path requirements.
	Name string `json:"name,omitempty"`
	// Extras are the optional feature sets requested with name[extra1,extra2].
	Extras []string `json:"extras,omitempty"`
	// Specifier is the version constraint, e.g. ">=1.0,<2".
	Specifier string `json:"specifier,omitempty"`
	// Marker is the PEP 508 environment marker following ';'.
	Marker string `json:"marker,omitempty"`
	// URL is set for direct references (VCS, archive or local path).
	URL string `json:"url,omitempty"`
	// Editable is set for -e/--editable requirements.
	Editable bool `json:"editable,omitempty"`

	// File and Line locate the requirement in the manifest.
	File string `json:"file"`
	Line int    `json:"line"`
}

func (r Requirement) String() string {
	var b strings.Builder
	if r.Editable {
		b.WriteString("-e ")
	}
	if r.Name == "" {
		b.WriteString(r.URL)
		return b.String()
	}
	b.WriteString(r.Name)
	if len(r.Extras) > 0 {
		b.WriteString("[" + strings.Join(r.Extras, ",") + "]")
	}
	if r.URL != "" {
		b.WriteString(" @ " + r.URL)
	}
	b.WriteString(r.Specifier)
	if r.Marker != "" {
		b.WriteString("; " + r.Marker)
	}
	return b.String()
}

// Include is a nested manifest referenced with -r or -c.
type Include struct {
	Path       string `json:"path"`
	Constraint bool   `json:"constraint,omitempty"`
}

// Manifest is a parsed requirements manifest.
// Requirements keep the order they appear in. When loaded with [LoadManifest]
// the requirements of an included file follow those of the including file.
type Manifest struct {
	Path         string        `json:"path"`
	Requirements []Requirement `json:"requirements"`
	// Constraints are entries from -c files. They restrict versions but do not
	// add packages.
	Constraints []Requirement `json:"constraints,omitempty"`
	// Options are global pip options found in the manifest, e.g. --index-url.
	Options  []string  `json:"options,omitempty"`
	Includes []Include `json:"includes,omitempty"`

	files []string
}

// ManifestError is returned for lines that cannot be parsed.
type ManifestError struct {
	File string
	Line int
	Text string
	Msg  string
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("%s:%d: %s: %q", e.File, e.Line, e.Msg, e.Text)
}

var (
	nameRe     = regexp.MustCompile(`^([A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?)\s*(\[[^\]]*\])?\s*(.*)$`)
	normRe     = regexp.MustCompile(`[-_.]+`)
	eggRe      = regexp.MustCompile(`[#&]egg=([A-Za-z0-9][A-Za-z0-9._-]*)`)
	commentRe  = regexp.MustCompile(`(^|\s+)#.*$`)
	schemeRe   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*://`)
	vcsSchemes = []string{"git+", "hg+", "svn+", "bzr+"}
)

// NormalizeName returns the canonical form of a project name.
// Runs of "-", "_" and "." become a single "-" and the name is lowercased.
func NormalizeName(name string) string {
	return strings.ToLower(normRe.ReplaceAllString(name, "-"))
}

// WheelPrefix returns the distribution component used in wheel file names for
// the project, lowercased so it can be compared case-insensitively.
func WheelPrefix(name string) string {
	return strings.ToLower(normRe.ReplaceAllString(name, "_"))
}

func isURLRequirement(s string) bool {
	if schemeRe.MatchString(s) {
		return true
	}
	for _, p := range vcsSchemes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return strings.HasPrefix(s, ".") || strings.HasPrefix(s, "/") || strings.HasPrefix(s, "file:")
}

// logicalLines joins continuation lines and strips comments.
// The returned line numbers are those of the first physical line.
func logicalLines(rdr io.Reader, fn func(lineNo int, line string) error) error {
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		buf   strings.Builder
		start int
		n     int
	)

	flush := func() error {
		line := strings.TrimSpace(commentRe.ReplaceAllString(buf.String(), ""))
		buf.Reset()
		if line == "" {
			return nil
		}
		return fn(start, line)
	}

	for scanner.Scan() {
		n++
		text := scanner.Text()
		if buf.Len() == 0 {
			start = n
		}
		if strings.HasSuffix(text, `\`) {
			buf.WriteString(strings.TrimSuffix(text, `\`))
			continue
		}
		buf.WriteString(text)
		if err := flush(); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}

// optionValue splits "-r file", "-rfile", "--requirement file" and
// "--requirement=file" forms.
func optionValue(line string, short, long string) (string, bool) {
	switch {
	case strings.HasPrefix(line, long+"="):
		return strings.TrimSpace(strings.TrimPrefix(line, long+"=")), true
	case strings.HasPrefix(line, long+" "), strings.HasPrefix(line, long+"\t"):
		return strings.TrimSpace(line[len(long):]), true
	case short != "" && strings.HasPrefix(line, short):
		return strings.TrimSpace(line[len(short):]), true
	}
	return "", false
}

// ParseManifest parses a single requirements file.
// Includes are recorded but not followed, see [LoadManifest].
func ParseManifest(name string, rdr io.Reader) (*Manifest, error) {
	m := &Manifest{Path: name, files: []string{name}}

	var errs []error
	err := logicalLines(rdr, func(lineNo int, line string) error {
		if err := m.parseLine(name, lineNo, line); err != nil {
			errs = append(errs, err)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "error reading %s", name)
	}
	if err := goerrors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manifest) parseLine(file string, lineNo int, line string) error {
	mkErr := func(msg string) error {
		return &ManifestError{File: file, Line: lineNo, Text: line, Msg: msg}
	}

	if strings.HasPrefix(line, "-") {
		if v, ok := optionValue(line, "-r", "--requirement"); ok {
			if v == "" {
				return mkErr("missing requirements file")
			}
			m.Includes = append(m.Includes, Include{Path: v})
			return nil
		}
		if v, ok := optionValue(line, "-c", "--constraint"); ok {
			if v == "" {
				return mkErr("missing constraints file")
			}
			m.Includes = append(m.Includes, Include{Path: v, Constraint: true})
			return nil
		}
		if v, ok := optionValue(line, "-e", "--editable"); ok {
			if v == "" {
				return mkErr("missing editable requirement")
			}
			req, err := parseURLRequirement(v)
			if err != nil {
				return mkErr(err.Error())
			}
			req.Editable = true
			req.File, req.Line = file, lineNo
			m.Requirements = append(m.Requirements, req)
			return nil
		}
		m.Options = append(m.Options, line)
		return nil
	}

	// per-requirement options such as --hash live at the end of the line
	if i := strings.Index(line, " --"); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}

	var (
		req Requirement
		err error
	)
	if isURLRequirement(line) {
		req, err = parseURLRequirement(line)
	} else {
		req, err = parseNamedRequirement(line)
	}
	if err != nil {
		return mkErr(err.Error())
	}
	req.File, req.Line = file, lineNo
	m.Requirements = append(m.Requirements, req)
	return nil
}

func parseURLRequirement(s string) (Requirement, error) {
	var req Requirement
	u, marker, _ := strings.Cut(s, ";")
	req.URL = strings.TrimSpace(u)
	req.Marker = strings.TrimSpace(marker)

	if !isURLRequirement(req.URL) {
		// "-e name @ url" is not valid pip syntax but "-e path" is
		return req, fmt.Errorf("not a URL or path")
	}
	if m := eggRe.FindStringSubmatch(req.URL); m != nil {
		req.Name = m[1]
	}
	return req, nil
}

func parseNamedRequirement(s string) (Requirement, error) {
	var req Requirement

	spec, marker, _ := strings.Cut(s, ";")
	req.Marker = strings.TrimSpace(marker)

	m := nameRe.FindStringSubmatch(strings.TrimSpace(spec))
	if m == nil {
		return req, fmt.Errorf("invalid project name")
	}
	req.Name = m[1]

	if extras := strings.Trim(m[2], "[]"); extras != "" {
		for _, e := range strings.Split(extras, ",") {
			if e = strings.TrimSpace(e); e != "" {
				req.Extras = append(req.Extras, e)
			}
		}
	}

	rest := strings.TrimSpace(m[3])
	if strings.HasPrefix(rest, "@") {
		req.URL = strings.TrimSpace(strings.TrimPrefix(rest, "@"))
		if req.URL == "" {
			return req, fmt.Errorf("missing URL after @")
		}
		return req, nil
	}

	rest = strings.TrimSuffix(strings.TrimPrefix(rest, "("), ")")
	rest = strings.Join(strings.Fields(rest), "")
	if rest != "" && !strings.ContainsAny(rest[:1], "=<>!~") {
		return req, fmt.Errorf("invalid version specifier")
	}
	req.Specifier = rest
	return req, nil
}

// LoadManifest parses the manifest at p and every file it includes.
// Include paths are resolved relative to the directory of the including file.
func LoadManifest(fsys fs.FS, p string) (*Manifest, error) {
	p = path.Clean(p)
	out := &Manifest{Path: p}
	seen := map[string]bool{}
	if err := out.load(fsys, p, false, seen, nil); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manifest) load(fsys fs.FS, p string, constraint bool, seen map[string]bool, stack []string) error {
	for _, s := range stack {
		if s == p {
			return errors.Errorf("include cycle: %s -> %s", strings.Join(stack, " -> "), p)
		}
	}
	if seen[p] {
		return nil
	}
	seen[p] = true

	f, err := fsys.Open(p)
	if err != nil {
		return errors.Wrapf(err, "error opening requirements file %s", p)
	}
	defer f.Close()

	parsed, err := ParseManifest(p, f)
	if err != nil {
		return err
	}

	m.files = append(m.files, p)
	if constraint {
		m.Constraints = append(m.Constraints, parsed.Requirements...)
	} else {
		m.Requirements = append(m.Requirements, parsed.Requirements...)
	}
	m.Options = append(m.Options, parsed.Options...)

	stack = append(stack, p)
	for _, inc := range parsed.Includes {
		if strings.Contains(inc.Path, "://") {
			return errors.Errorf("%s: remote requirements files are not supported: %s", p, inc.Path)
		}
		target := inc.Path
		if !path.IsAbs(target) {
			target = path.Join(path.Dir(p), target)
		}
		target = path.Clean(strings.TrimPrefix(target, "/"))

		m.Includes = append(m.Includes, Include{Path: target, Constraint: inc.Constraint})
		if err := m.load(fsys, target, constraint || inc.Constraint, seen, stack); err != nil {
			return err
		}
	}
	return nil
}

// Files returns every manifest file that was read, starting with the root manifest.
func (m *Manifest) Files() []string {
	if len(m.files) == 0 && m.Path != "" {
		return []string{m.Path}
	}
	return m.files
}

// Names returns the normalized, de-duplicated names of all named requirements
// in manifest order.
func (m *Manifest) Names() []string {
	return m.names(func(Requirement) bool { return true })
}

// WheelNames is like [Manifest.Names] but leaves out requirements gated by an
// environment marker. pip skips those when the marker does not match the
// build platform, so a wheel for them is not guaranteed.
func (m *Manifest) WheelNames() []string {
	return m.names(func(r Requirement) bool { return r.Marker == "" })
}

func (m *Manifest) names(include func(Requirement) bool) []string {
	seen := make(map[string]bool, len(m.Requirements))
	out := make([]string, 0, len(m.Requirements))
	for _, r := range m.Requirements {
		if r.Name == "" || !include(r) {
			continue
		}
		n := NormalizeName(r.Name)
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// SSHHosts returns the sorted list of hosts referenced by ssh-based requirements.
// Hosts on a port other than 22 are returned as host:port.
func (m *Manifest) SSHHosts() []string {
	set := map[string]struct{}{}
	for _, r := range append(slices.Clone(m.Requirements), m.Constraints...) {
		if r.URL == "" {
			continue
		}
		u, err := url.Parse(r.URL)
		if err != nil {
			continue
		}
		switch u.Scheme {
		case "git+ssh", "ssh", "hg+ssh", "svn+ssh", "bzr+ssh":
		default:
			continue
		}
		h := u.Hostname()
		if h == "" {
			continue
		}
		if p := u.Port(); p != "" && p != "22" {
			h = net.JoinHostPort(h, p)
		}
		set[h] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
