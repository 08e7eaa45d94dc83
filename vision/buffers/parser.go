package buffers

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Parser turns a sample directory into a BufferSet.
type Parser struct {
	ext     string
	pattern *regexp.Regexp
}

// NewParser creates a parser for files with the given extension
// ("jpg", ".png", ...).
func NewParser(ext string) *Parser {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	names := make([]string, 0, numRoles)
	for _, r := range Roles() {
		names = append(names, r.String())
	}
	pattern := regexp.MustCompile(
		`(?:^|[-_])(` + strings.Join(names, "|") + `)-([A-Za-z0-9_]+)\.` + regexp.QuoteMeta(ext) + `$`,
	)
	return &Parser{ext: ext, pattern: pattern}
}

// Ext returns the configured extension without the leading dot.
func (p *Parser) Ext() string {
	return p.ext
}

// Classify returns the role and frame id encoded in a file name.
func (p *Parser) Classify(name string) (Role, string, error) {
	m := p.pattern.FindStringSubmatch(strings.ToLower(name))
	if m == nil {
		return 0, "", fmt.Errorf("%s: %w", name, ErrUnknownRole)
	}
	role, err := ParseRole(m[1])
	if err != nil {
		return 0, "", fmt.Errorf("%s: %w", name, err)
	}
	// frame ids keep their original case
	frame := name[len(name)-len(m[2])-len(p.ext)-1 : len(name)-len(p.ext)-1]
	return role, frame, nil
}

// Parse classifies and decodes every file in dir. Subdirectories and hidden
// files are skipped; any other unrecognized file fails the sample.
func (p *Parser) Parse(dir string) (*BufferSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sample directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	set := &BufferSet{Dir: dir}
	var seen [numRoles]string

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}

		role, frame, err := p.Classify(name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", dir, err)
		}
		if seen[role] != "" {
			return nil, fmt.Errorf("%s: %s and %s both provide %s: %w", dir, seen[role], name, role, ErrDuplicateRole)
		}
		if set.FrameID == "" {
			set.FrameID = frame
		} else if frame != set.FrameID {
			return nil, fmt.Errorf("%s: %s has frame %q, expected %q: %w", dir, name, frame, set.FrameID, ErrIncompleteSample)
		}
		seen[role] = name

		t, err := DecodeFile(filepath.Join(dir, name), role.SingleChannel())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", dir, err)
		}
		set.set(role, t)
	}

	var missing []string
	for _, role := range Roles() {
		if seen[role] == "" {
			missing = append(missing, role.String())
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%s: missing %s: %w", dir, strings.Join(missing, ", "), ErrIncompleteSample)
	}

	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}
