package policy

import "strings"

// pattern is a compiled tag glob. '*' matches any run of characters
// (including separators), '?' matches exactly one.
type pattern struct {
	raw       string
	exact     bool
	prefixLen int // literal characters before the first wildcard
	wildcards int
	literals  int
}

func compilePattern(raw string) pattern {
	p := pattern{raw: raw}
	first := strings.IndexAny(raw, "*?")
	if first < 0 {
		p.exact = true
		p.prefixLen = len(raw)
		p.literals = len(raw)
		return p
	}
	p.prefixLen = first
	for _, r := range raw {
		if r == '*' || r == '?' {
			p.wildcards++
		} else {
			p.literals++
		}
	}
	return p
}

func (p pattern) match(tag string) bool {
	if p.exact {
		return p.raw == tag
	}
	return globMatch(p.raw, tag)
}

// moreSpecific reports whether p should win over q when both match.
// Exact beats glob; then longer literal prefix; then fewer wildcards;
// then more literal characters. Ties go to declaration order (caller).
func (p pattern) moreSpecific(q pattern) bool {
	if p.exact != q.exact {
		return p.exact
	}
	if p.prefixLen != q.prefixLen {
		return p.prefixLen > q.prefixLen
	}
	if p.wildcards != q.wildcards {
		return p.wildcards < q.wildcards
	}
	return p.literals > q.literals
}

// globMatch matches s against pat with '*' and '?' using the iterative
// backtracking algorithm, linear in practice.
func globMatch(pat, s string) bool {
	px, sx := 0, 0
	nextPx, nextSx := -1, -1
	for px < len(pat) || sx < len(s) {
		if px < len(pat) {
			switch c := pat[px]; c {
			case '*':
				nextPx, nextSx = px, sx+1
				px++
				continue
			case '?':
				if sx < len(s) {
					px++
					sx++
					continue
				}
			default:
				if sx < len(s) && s[sx] == c {
					px++
					sx++
					continue
				}
			}
		}
		if nextSx > 0 && nextSx <= len(s) {
			px, sx = nextPx, nextSx
			continue
		}
		return false
	}
	return true
}
