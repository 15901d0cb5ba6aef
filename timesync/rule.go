package timesync

import (
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"ndi.dev/core/epoch"
	"ndi.dev/core/ndierr"
)

// Rule is a predicate+producer: given two graph nodes, it either declines
// or emits a weighted time mapping from a to b. A rule is fully described by
// its class name plus its parameter map, the same shape documents use, so
// rules round-trip through storage via the registry below.
type Rule interface {
	ClassName() string
	Parameters() map[string]any
	Apply(a, b Node) (cost float64, m TimeMapping, ok bool)
}

// RuleFactory reconstructs a rule from its stored parameter map.
type RuleFactory func(params map[string]any) (Rule, error)

var (
	rulesMu      sync.RWMutex
	ruleRegistry = map[string]RuleFactory{}
)

// RegisterRule makes a rule class constructible by name.
func RegisterRule(className string, factory RuleFactory) {
	rulesMu.Lock()
	defer rulesMu.Unlock()
	ruleRegistry[className] = factory
}

// NewRule instantiates the named rule class with params.
func NewRule(className string, params map[string]any) (Rule, error) {
	rulesMu.RLock()
	factory, ok := ruleRegistry[className]
	rulesMu.RUnlock()
	if !ok {
		return nil, ndierr.Newf(ndierr.NotFound, "no sync rule registered for class %q", className)
	}
	return factory(params)
}

// RegisteredRules lists the registered rule class names, sorted.
func RegisteredRules() []string {
	rulesMu.RLock()
	defer rulesMu.RUnlock()
	out := make([]string, 0, len(ruleRegistry))
	for name := range ruleRegistry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func init() {
	RegisterRule("filematch", func(params map[string]any) (Rule, error) {
		return NewFileMatch(params)
	})
	RegisterRule("filefind", func(params map[string]any) (Rule, error) {
		return NewFileFind(params)
	})
}

// epochFiles returns the underlying file paths of a node, and ok=false when
// the node's set is not file-backed.
func epochFiles(n Node) ([]string, bool) {
	fb, ok := n.Set.(epoch.FileBacked)
	if !ok {
		return nil, false
	}
	return fb.EpochFiles(n.EpochID), true
}

// FileMatch emits a cost-1 identity mapping between epochs of two
// file-backed sets that share at least NumberFullpathMatches underlying file
// paths, which is how two DAQ systems recording the same acquisition get
// stitched onto one time base.
type FileMatch struct {
	NumberFullpathMatches int
}

// NewFileMatch reads number_fullpath_matches from params (default 2).
func NewFileMatch(params map[string]any) (*FileMatch, error) {
	n := 2
	if v, ok := params["number_fullpath_matches"]; ok {
		f, ok := toInt(v)
		if !ok || f < 1 {
			return nil, ndierr.Newf(ndierr.BadArgument,
				"number_fullpath_matches must be a positive integer, got %v", v)
		}
		n = f
	}
	return &FileMatch{NumberFullpathMatches: n}, nil
}

func (r *FileMatch) ClassName() string { return "filematch" }

func (r *FileMatch) Parameters() map[string]any {
	return map[string]any{"number_fullpath_matches": r.NumberFullpathMatches}
}

func (r *FileMatch) Apply(a, b Node) (float64, TimeMapping, bool) {
	if a.Set == b.Set || a.Clock != b.Clock {
		return 0, TimeMapping{}, false
	}
	filesA, okA := epochFiles(a)
	filesB, okB := epochFiles(b)
	if !okA || !okB {
		return 0, TimeMapping{}, false
	}
	inA := make(map[string]bool, len(filesA))
	for _, f := range filesA {
		inA[f] = true
	}
	shared := 0
	for _, f := range filesB {
		if inA[f] {
			shared++
		}
	}
	if shared < r.NumberFullpathMatches {
		return 0, TimeMapping{}, false
	}
	return 1.0, Identity(), true
}

// MatchType selects how FileFind patterns are tested against file paths.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchContains MatchType = "contains"
	MatchRegex    MatchType = "regex"
	MatchGlob     MatchType = "glob"
)

// FileFind emits a cost-1 identity mapping when every one of its patterns
// matches at least one underlying file of both nodes.
type FileFind struct {
	Patterns []string
	Match    MatchType
}

// NewFileFind reads syncfilelist and matchtype from params.
func NewFileFind(params map[string]any) (*FileFind, error) {
	var patterns []string
	switch v := params["syncfilelist"].(type) {
	case []string:
		patterns = v
	case []any:
		for _, p := range v {
			s, ok := p.(string)
			if !ok {
				return nil, ndierr.New(ndierr.BadArgument, "syncfilelist entries must be strings")
			}
			patterns = append(patterns, s)
		}
	case nil:
		return nil, ndierr.New(ndierr.BadArgument, "filefind requires a syncfilelist parameter")
	default:
		return nil, ndierr.New(ndierr.BadArgument, "syncfilelist must be a list of strings")
	}
	if len(patterns) == 0 {
		return nil, ndierr.New(ndierr.BadArgument, "filefind requires at least one pattern")
	}
	match := MatchExact
	if v, ok := params["matchtype"]; ok {
		s, _ := v.(string)
		switch MatchType(s) {
		case MatchExact, MatchContains, MatchRegex, MatchGlob:
			match = MatchType(s)
		default:
			return nil, ndierr.Newf(ndierr.BadArgument, "invalid matchtype %q", s)
		}
	}
	return &FileFind{Patterns: patterns, Match: match}, nil
}

func (r *FileFind) ClassName() string { return "filefind" }

func (r *FileFind) Parameters() map[string]any {
	return map[string]any{
		"syncfilelist": append([]string(nil), r.Patterns...),
		"matchtype":    string(r.Match),
	}
}

func (r *FileFind) matches(pattern, file string) bool {
	switch r.Match {
	case MatchContains:
		return strings.Contains(file, pattern)
	case MatchRegex:
		re, err := regexp.Compile(pattern)
		return err == nil && re.MatchString(file)
	case MatchGlob:
		ok, err := path.Match(pattern, file)
		return err == nil && ok
	default:
		return file == pattern
	}
}

func (r *FileFind) coveredBy(files []string) bool {
	for _, pattern := range r.Patterns {
		found := false
		for _, f := range files {
			if r.matches(pattern, f) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (r *FileFind) Apply(a, b Node) (float64, TimeMapping, bool) {
	if a.Set == b.Set || a.Clock != b.Clock {
		return 0, TimeMapping{}, false
	}
	filesA, okA := epochFiles(a)
	filesB, okB := epochFiles(b)
	if !okA || !okB {
		return 0, TimeMapping{}, false
	}
	if !r.coveredBy(filesA) || !r.coveredBy(filesB) {
		return 0, TimeMapping{}, false
	}
	return 1.0, Identity(), true
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
