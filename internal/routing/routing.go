// Package routing builds the route table from configuration and resolves
// incoming request paths to backends. Shared by the proxy and the access-log
// route labeling.
package routing

import (
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/edgegate/edgegate/internal/config"
)

// Route is one resolved proxy route.
type Route struct {
	PathPrefix  string
	Backend     *url.URL
	Target      string
	StripPrefix bool
	Timeout     time.Duration
	methods     map[string]bool
}

// AllowsMethod reports whether the route accepts the given HTTP method.
// A route with no configured methods accepts all of them.
func (r *Route) AllowsMethod(method string) bool {
	if len(r.methods) == 0 {
		return true
	}
	return r.methods[strings.ToUpper(method)]
}

// Table resolves request paths to routes by longest matching prefix.
// A Table is immutable after construction; config reload builds a new one.
type Table struct {
	routes []*Route
}

// NewTable builds a Table from validated route configs. Backends are assumed
// to parse cleanly (config validation already checked them).
func NewTable(configs []config.RouteConfig) *Table {
	routes := make([]*Route, 0, len(configs))
	for _, rc := range configs {
		u, err := url.Parse(rc.Backend)
		if err != nil {
			continue
		}
		rt := &Route{
			PathPrefix:  rc.PathPrefix,
			Backend:     u,
			Target:      rc.Target,
			StripPrefix: rc.StripPrefix,
			Timeout:     rc.Timeout(),
		}
		if len(rc.Methods) > 0 {
			rt.methods = make(map[string]bool, len(rc.Methods))
			for _, m := range rc.Methods {
				rt.methods[strings.ToUpper(m)] = true
			}
		}
		routes = append(routes, rt)
	}

	// Longest prefix first so Match can return the first hit.
	sort.SliceStable(routes, func(i, j int) bool {
		return len(routes[i].PathPrefix) > len(routes[j].PathPrefix)
	})

	return &Table{routes: routes}
}

// Match returns the route with the longest prefix matching path, or nil.
func (t *Table) Match(path string) *Route {
	for _, rt := range t.routes {
		if MatchesPrefix(path, rt.PathPrefix) {
			return rt
		}
	}
	return nil
}

// Label returns the matched route's prefix for use as a bounded metric
// label, or "unmatched" when no route matches.
func (t *Table) Label(path string) string {
	if rt := t.Match(path); rt != nil {
		return rt.PathPrefix
	}
	return "unmatched"
}

// MatchesPrefix checks if path matches prefix with boundary enforcement.
// The path must either equal the prefix, the prefix must end with "/",
// or the character after the prefix in path must be "/".
func MatchesPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	if prefix[len(prefix)-1] == '/' {
		return true
	}
	return path[len(prefix)] == '/'
}
