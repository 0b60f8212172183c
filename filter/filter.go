// Package filter compiles and evaluates the path-pattern and size-bound
// rules that decide whether a scanned entry participates in a sync, per
// spec §4.5. Precedence across rule groups (explicit > tree ignore files >
// templates > repo standard ignore files) is first-group-wins: the earliest
// group with any matching rule decides the verdict. Within a single group,
// matching is last-match-wins, gitignore-style, so a later, more specific
// pattern in the same source can re-include something an earlier pattern
// excluded. Matching itself is implemented with doublestar so "**" and
// character classes behave the way users of gitignore-style tools expect.
package filter

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
)

// Action is the verdict a matched rule carries.
type Action bool

const (
	Include Action = true
	Exclude Action = false
)

// Rule is one compiled pattern plus the action it carries if matched.
type Rule struct {
	pattern string
	action  Action
	// dirOnly restricts the rule to directory entries (pattern ended in "/").
	dirOnly bool
}

// Source names where a rule came from, for diagnostics only.
type Source string

const (
	SourceExplicit  Source = "explicit"
	SourceTreeFile  Source = "tree-ignore-file"
	SourceTemplate  Source = "template"
	SourceRepoStdIg Source = "repo-standard-ignore"
)

// Filter evaluates an ordered list of rule groups plus size bounds. Groups
// earlier in the list take precedence (first-group-wins), matching spec
// §4.5's stated precedence: explicit > tree ignore files > templates > repo
// standard ignore files. Size bounds are applied after pattern matching, as
// an additional gate.
type Filter struct {
	groups  [][]Rule
	minSize int64
	maxSize int64 // 0 means unbounded
}

// Option configures a Filter at construction time.
type Option func(*Filter)

// WithSizeBounds sets min/max size gates. max == 0 means unbounded.
func WithSizeBounds(min, max int64) Option {
	return func(f *Filter) {
		f.minSize = min
		f.maxSize = max
	}
}

// New compiles a Filter. ruleGroups are applied in the given order, and
// within a group, in file order; precedence follows the order passed here,
// so callers should pass explicit rules first.
func New(ruleGroups [][]string, opts ...Option) (*Filter, error) {
	f := &Filter{}
	for _, opt := range opts {
		opt(f)
	}

	for _, group := range ruleGroups {
		var rules []Rule
		for _, line := range group {
			rule, ok, err := compileLine(line)
			if err != nil {
				return nil, err
			}
			if ok {
				rules = append(rules, rule)
			}
		}
		if len(rules) > 0 {
			f.groups = append(f.groups, rules)
		}
	}

	return f, nil
}

// LoadIgnoreFile reads gitignore-style lines from path, skipping blank lines
// and comments. It returns (nil, nil) if the file doesn't exist - absence of
// a per-tree ignore file is not an error.
func LoadIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "filter: open %q", path)
	}
	defer f.Close()
	return ParseIgnoreLines(f)
}

// ParseIgnoreLines reads gitignore-style pattern lines from r.
func ParseIgnoreLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "filter: scan ignore lines")
	}
	return lines, nil
}

func compileLine(line string) (Rule, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Rule{}, false, nil
	}

	action := Exclude
	if strings.HasPrefix(line, "!") {
		action = Include
		line = line[1:]
	}

	dirOnly := false
	if strings.HasSuffix(line, "/") {
		dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}

	pattern := line
	if !strings.Contains(pattern, "/") {
		// A pattern with no slash matches at any depth, gitignore-style.
		pattern = "**/" + pattern
	} else if strings.HasPrefix(pattern, "/") {
		pattern = strings.TrimPrefix(pattern, "/")
	}

	if !doublestar.ValidatePattern(pattern) {
		return Rule{}, false, errors.Errorf("filter: invalid pattern %q", line)
	}

	return Rule{pattern: pattern, action: action, dirOnly: dirOnly}, true, nil
}

// Matched reports whether path (relative, forward-slash-separated) is
// included by the pattern rules. Groups are consulted in order and the
// first one containing a matching rule wins (spec §4.5's group precedence);
// within that group the verdict comes from the last matching rule, so a
// later "!pattern" can re-include what an earlier pattern excluded. The
// size check is separate: see SizeAllowed.
func (f *Filter) Matched(path string, isDir bool) Action {
	for _, group := range f.groups {
		if verdict, ok := matchGroup(group, path, isDir); ok {
			return verdict
		}
	}
	return Include
}

func matchGroup(rules []Rule, path string, isDir bool) (Action, bool) {
	verdict := Include
	matched := false
	for _, r := range rules {
		if match(r, path, isDir) {
			verdict = r.action
			matched = true
		}
	}
	return verdict, matched
}

// SizeAllowed reports whether size falls within the configured bounds.
// Accept skips this check for directories only; every other entry,
// symlinks included, is checked against the bounds by its recorded size.
func (f *Filter) SizeAllowed(size int64) bool {
	if size < f.minSize {
		return false
	}
	if f.maxSize > 0 && size > f.maxSize {
		return false
	}
	return true
}

// Accept combines pattern matching and size bounds into the single verdict
// the scanner consults per entry.
func (f *Filter) Accept(path string, isDir bool, size int64) bool {
	if f.Matched(path, isDir) == Exclude {
		return false
	}
	if !isDir && !f.SizeAllowed(size) {
		return false
	}
	return true
}

// match reports whether rule applies to path. A dirOnly rule (pattern ended
// in "/") only matches path directly when path is itself a directory; it
// always matches descendants of that directory regardless of their own
// kind, so excluding "build/" excludes every file beneath it too.
func match(r Rule, path string, isDir bool) bool {
	if ok, err := doublestar.Match(r.pattern, path); err == nil && ok {
		if !r.dirOnly || isDir {
			return true
		}
	}
	ok, err := doublestar.Match(r.pattern+"/**", path)
	return err == nil && ok
}
