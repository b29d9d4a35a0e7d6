// Package threat inspects inbound content for hostile patterns and produces
// a verdict plus a sanitized copy for content that is flagged but allowed.
package threat

import (
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"
)

// Verdict classifies inspected content.
type Verdict int

const (
	VerdictClean Verdict = iota
	VerdictFlagged
	VerdictBlocked
)

func (v Verdict) String() string {
	switch v {
	case VerdictFlagged:
		return "flagged"
	case VerdictBlocked:
		return "blocked"
	default:
		return "clean"
	}
}

// Threat categories.
const (
	CategoryScript    = "script_injection"
	CategorySQL       = "query_injection"
	CategoryShell     = "shell_metacharacter"
	CategoryTraversal = "path_traversal"
	CategoryDepth     = "nesting_depth"
	CategoryOversized = "oversized_input"
)

// Policy decides which detected categories block instead of flag. Detection
// always runs for every category; unblocked hits are logged and flagged.
type Policy struct {
	BlockXSS           bool
	BlockSQL           bool
	BlockShell         bool
	BlockPathTraversal bool
	MaxDepth           int
	MaxStringBytes     int
}

// DefaultPolicy blocks script, SQL, and traversal signatures and flags
// shell metacharacters, which are too common in ordinary prose to block.
func DefaultPolicy() Policy {
	return Policy{
		BlockXSS:           true,
		BlockSQL:           true,
		BlockShell:         false,
		BlockPathTraversal: true,
		MaxDepth:           10,
		MaxStringBytes:     10 * 1024,
	}
}

// Threat is one signature hit.
type Threat struct {
	Category string
	Pattern  string
}

// Report is the outcome of one inspection. Sanitized is set only for string
// input with a flagged (not blocked) verdict; blocked content is rejected
// outright and never sanitized.
type Report struct {
	Verdict   Verdict
	Threats   []Threat
	Sanitized string
}

var (
	scriptPatterns = compileAll(
		`(?i)<script\b`,
		`(?i)</script>`,
		`(?i)javascript:`,
		`(?i)\bon(?:load|error|click|focus|mouseover)\s*=`,
		`(?i)<iframe\b`,
		`(?i)data:text/html`,
	)
	sqlPatterns = compileAll(
		`(?i)\bunion\s+(?:all\s+)?select\b`,
		`(?i)\bselect\s+.+\bfrom\b`,
		`(?i)\binsert\s+into\b`,
		`(?i)\bdrop\s+(?:table|database)\b`,
		`(?i)\bdelete\s+from\b`,
		`(?i)\bupdate\s+\w+\s+set\b`,
		`(?i)'\s*(?:or|and)\s+'?\d+'?\s*=\s*'?\d+`,
		`(?i);\s*--`,
	)
	shellPatterns = compileAll(
		"`[^`]+`",
		`\$\([^)]*\)`,
		`(?i)(?:;|\|\||&&)\s*(?:rm|cat|curl|wget|chmod|nc|bash|sh)\b`,
		`(?i)\|\s*(?:sh|bash)\b`,
		`(?i)\brm\s+-rf?\b`,
	)
	traversalPatterns = compileAll(
		`\.\./`,
		`\.\.\\`,
		`(?i)%2e%2e(?:%2f|%5c|/|\\)`,
		`(?i)/etc/passwd\b`,
		`(?i)\\windows\\system32\b`,
	)
)

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

// Screen is the content inspector.
type Screen struct {
	logger *slog.Logger
}

// New creates a Screen.
func New(logger *slog.Logger) *Screen {
	return &Screen{logger: logger.With("component", "threat")}
}

// Inspect walks value, scanning every string it contains. Nested maps and
// slices are followed to policy.MaxDepth; deeper structures and oversized
// strings are blocked before any pattern runs.
func (s *Screen) Inspect(value any, policy Policy) Report {
	var rep Report
	s.walk(value, policy, 0, &rep)

	if rep.Verdict == VerdictFlagged {
		if str, ok := value.(string); ok {
			rep.Sanitized = Sanitize(str)
		}
	}
	for _, th := range rep.Threats {
		if rep.Verdict == VerdictFlagged {
			s.logger.Warn("threat flagged", "category", th.Category, "pattern", th.Pattern)
		} else {
			s.logger.Warn("threat blocked", "category", th.Category, "pattern", th.Pattern)
		}
	}
	return rep
}

func (s *Screen) walk(value any, policy Policy, depth int, rep *Report) {
	if rep.Verdict == VerdictBlocked {
		return
	}
	if depth > policy.MaxDepth {
		rep.Verdict = VerdictBlocked
		rep.Threats = append(rep.Threats, Threat{Category: CategoryDepth, Pattern: "max nesting depth exceeded"})
		return
	}

	switch v := value.(type) {
	case string:
		s.scanString(v, policy, rep)
	case map[string]any:
		for _, elem := range v {
			s.walk(elem, policy, depth+1, rep)
		}
	case []any:
		for _, elem := range v {
			s.walk(elem, policy, depth+1, rep)
		}
	}
	// Numbers, bools, and nil carry no scannable content.
}

func (s *Screen) scanString(str string, policy Policy, rep *Report) {
	// Size bound runs before any pattern.
	if policy.MaxStringBytes > 0 && len(str) > policy.MaxStringBytes {
		rep.Verdict = VerdictBlocked
		rep.Threats = append(rep.Threats, Threat{
			Category: CategoryOversized,
			Pattern:  fmt.Sprintf("string exceeds %d bytes", policy.MaxStringBytes),
		})
		return
	}

	checks := []struct {
		category string
		patterns []*regexp.Regexp
		blocks   bool
	}{
		{CategoryScript, scriptPatterns, policy.BlockXSS},
		{CategorySQL, sqlPatterns, policy.BlockSQL},
		{CategoryShell, shellPatterns, policy.BlockShell},
		{CategoryTraversal, traversalPatterns, policy.BlockPathTraversal},
	}

	for _, check := range checks {
		for _, re := range check.patterns {
			if !re.MatchString(str) {
				continue
			}
			rep.Threats = append(rep.Threats, Threat{Category: check.category, Pattern: re.String()})
			if check.blocks {
				rep.Verdict = VerdictBlocked
			} else if rep.Verdict == VerdictClean {
				rep.Verdict = VerdictFlagged
			}
			break // one hit per category is enough
		}
	}
}

// Sanitize HTML-escapes str and strips control characters other than tab,
// newline, and carriage return. Lossy: only for flagged, never blocked,
// content.
func Sanitize(str string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, str)
	return html.EscapeString(cleaned)
}
