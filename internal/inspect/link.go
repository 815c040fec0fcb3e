// Package inspect implements the inspect-link value type: parsing the
// steam:// preview URL or a structured {a,d,s|m} object into the canonical
// {s,a,d,m} tuple. Pure, no I/O.
package inspect

import (
	"regexp"

	"github.com/csinspect/inspectd/internal/apierr"
)

// linkPattern matches the econ preview URL. The %20 between the action and
// the parameters may arrive raw or decoded, so both are accepted.
var linkPattern = regexp.MustCompile(`^steam://rungame/730/\d+/\+csgo_econ_action_preview(?:%20| )([SM])(\d+)A(\d+)D(\d+)$`)

var digits = regexp.MustCompile(`^\d+$`)

// Link is the canonical inspect link. All fields are decimal strings;
// exactly one of S or M is non-"0".
type Link struct {
	S string `json:"s"`
	A string `json:"a"`
	D string `json:"d"`
	M string `json:"m"`
}

// IsMarketLink reports whether the owner field is a market listing id.
func (l *Link) IsMarketLink() bool {
	return l.S == "0"
}

// ParseURL parses the steam:// preview URL form.
func ParseURL(raw string) (*Link, error) {
	groups := linkPattern.FindStringSubmatch(raw)
	if groups == nil {
		return nil, apierr.InvalidInspect
	}

	link := &Link{A: groups[3], D: groups[4], S: "0", M: "0"}
	if groups[1] == "S" {
		link.S = groups[2]
	} else {
		link.M = groups[2]
	}
	return link, nil
}

// FromFields builds a Link from the structured request form. Exactly one of
// s or m must be set; a and d are required.
func FromFields(a, d, s, m string) (*Link, error) {
	if a == "" || d == "" {
		return nil, apierr.InvalidInspect
	}
	if (s == "") == (m == "") {
		return nil, apierr.InvalidInspect
	}
	for _, field := range []string{a, d} {
		if !digits.MatchString(field) {
			return nil, apierr.InvalidInspect
		}
	}

	link := &Link{A: a, D: d, S: "0", M: "0"}
	if s != "" {
		if !digits.MatchString(s) {
			return nil, apierr.InvalidInspect
		}
		link.S = s
	} else {
		if !digits.MatchString(m) {
			return nil, apierr.InvalidInspect
		}
		link.M = m
	}
	return link, nil
}
