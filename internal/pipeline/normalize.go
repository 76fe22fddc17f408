package pipeline

import (
	"net/url"
	"regexp"

	"github.com/gaugex/gaugex/internal/types"
)

var (
	trailingID     = regexp.MustCompile(`(?:[:/]\d+)+$`)
	trailingPathID = regexp.MustCompile(`(?:/\d+)+$`)
)

// NormalizeName strips trailing numeric identifiers so that per-entity names
// group together: "checkout:123" and "orders/42" become "checkout" and
// "orders". A name made only of identifiers is returned unchanged.
func NormalizeName(name string) string {
	return stripSuffix(trailingID, name)
}

// NormalizeURL strips trailing numeric path segments from u. The scheme, host
// and port are kept, so "http://10.0.2.2:8080/users/42" becomes
// "http://10.0.2.2:8080/users".
func NormalizeURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return stripSuffix(trailingPathID, u)
	}
	path := stripSuffix(trailingPathID, parsed.Path)
	if path == parsed.Path {
		return u
	}
	parsed.Path = path
	parsed.RawPath = ""
	return parsed.String()
}

// normalizedName is the grouping key stored alongside e. The event payload
// itself is never rewritten.
func normalizedName(e types.Event) string {
	if n, ok := e.(types.NetworkEvent); ok {
		return n.Method + " " + NormalizeURL(n.URL)
	}
	return NormalizeName(e.Name())
}

func stripSuffix(re *regexp.Regexp, s string) string {
	out := re.ReplaceAllString(s, "")
	if out == "" {
		return s
	}
	return out
}
