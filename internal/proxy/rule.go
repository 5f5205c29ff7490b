package proxy

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	ssoUpstream    = "https://mingle-sso.eu1.inforcloudsuite.com"
	ionAPIUpstream = "https://mingle-ionapi.eu1.inforcloudsuite.com"
)

// Rule relays every request under Prefix to Upstream with the prefix removed.
type Rule struct {
	Name     string
	Prefix   string
	Upstream *url.URL
	// ChangeOrigin sets the outbound Host header to the upstream's host.
	ChangeOrigin bool
}

// DefaultRules returns the two fixed relays, in evaluation order: Infor ION SSO
// under /infor-sso and the ION API under /ionapi.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "sso", Prefix: "/infor-sso", Upstream: mustParse(ssoUpstream), ChangeOrigin: true},
		{Name: "ionapi", Prefix: "/ionapi", Upstream: mustParse(ionAPIUpstream), ChangeOrigin: true},
	}
}

// Match reports whether path is the prefix itself or lies beneath it.
// "/ionapix" does not match the prefix "/ionapi".
func (r Rule) Match(path string) bool {
	return path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/")
}

// StripPrefix removes the rule prefix from path, leaving at least "/".
func (r Rule) StripPrefix(path string) string {
	rest := strings.TrimPrefix(path, r.Prefix)
	if rest == "" {
		return "/"
	}
	return rest
}

// stripURL removes the prefix from u and keeps the client's percent-encoding of
// the remainder, so an escaped slash reaches the upstream still escaped.
func (r Rule) stripURL(u *url.URL) (path, rawPath string) {
	escaped := u.EscapedPath()
	if !strings.HasPrefix(escaped, r.Prefix) {
		// The prefix itself was percent-encoded.
		return r.StripPrefix(u.Path), ""
	}

	rest := escaped[len(r.Prefix):]
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	path, err := url.PathUnescape(rest)
	if err != nil {
		return r.StripPrefix(u.Path), ""
	}
	return path, rest
}

func (r Rule) validate() error {
	switch {
	case r.Name == "":
		return errors.New("rule name is required")
	case !strings.HasPrefix(r.Prefix, "/") || strings.HasSuffix(r.Prefix, "/"):
		return fmt.Errorf("rule %s: prefix %q must start with / and not end with /", r.Name, r.Prefix)
	case r.Upstream == nil || r.Upstream.Host == "":
		return fmt.Errorf("rule %s: upstream is required", r.Name)
	case r.Upstream.Scheme != "https":
		return fmt.Errorf("rule %s: upstream %s must use https", r.Name, r.Upstream)
	}
	return nil
}

func overlaps(a, b Rule) bool {
	return a.Match(b.Prefix) || b.Match(a.Prefix)
}

func mustParse(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}
