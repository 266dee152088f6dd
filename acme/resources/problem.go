package resources

import (
	"fmt"
	"strings"
)

// Problem is an RFC 7807 problem document as served by ACME servers for 4XX
// and 5XX responses. It implements error so protocol failures can be
// surfaced directly.
//
// See https://tools.ietf.org/html/rfc8555#section-6.7
type Problem struct {
	Type        string       `json:"type,omitempty"`
	Detail      string       `json:"detail,omitempty"`
	Title       string       `json:"title,omitempty"`
	Instance    string       `json:"instance,omitempty"`
	Status      int          `json:"status,omitempty"`
	Subproblems []Subproblem `json:"subproblems,omitempty"`
}

// Subproblem scopes a problem to one identifier of a larger request.
// See https://tools.ietf.org/html/rfc8555#section-6.7.1
type Subproblem struct {
	Type       string     `json:"type,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	Identifier Identifier `json:"identifier,omitempty"`
}

func (p *Problem) Error() string {
	msg := fmt.Sprintf("acme: problem %s: %s", p.Type, p.Detail)
	if len(p.Subproblems) > 0 {
		var subs []string
		for _, sub := range p.Subproblems {
			subs = append(subs, fmt.Sprintf("%s: %s: %s",
				sub.Identifier.Value, sub.Type, sub.Detail))
		}
		msg = fmt.Sprintf("%s (%s)", msg, strings.Join(subs, "; "))
	}
	return msg
}

// IsType reports whether the problem's type URN equals typeURN.
func (p *Problem) IsType(typeURN string) bool {
	return p != nil && p.Type == typeURN
}
