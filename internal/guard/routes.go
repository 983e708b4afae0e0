package guard

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/commongrow/garden-core/internal/auth"
	"github.com/commongrow/garden-core/internal/infrastructure/config"
)

// Route is one protected prefix and the roles that may enter it. An empty
// role set admits any authenticated identity.
type Route struct {
	Prefix string       `json:"prefix"`
	Roles  auth.RoleSet `json:"roles"`
}

// RouteTable maps paths to their protection. It is built once from
// configuration and is read-only afterwards.
type RouteTable struct {
	publicExact  map[string]bool
	publicPrefix []string
	protected    []Route // longest prefix first
}

// NewRouteTable builds a table from configuration. Role names must be
// known roles; a typo here would otherwise silently lock users out.
func NewRouteTable(cfg config.RoutesConfig) (*RouteTable, error) {
	t := &RouteTable{publicExact: make(map[string]bool)}

	for _, p := range cfg.Public {
		if prefix, ok := strings.CutSuffix(p, "/*"); ok {
			t.publicPrefix = append(t.publicPrefix, cleanPath(prefix))
			continue
		}
		t.publicExact[cleanPath(p)] = true
	}

	seen := make(map[string]bool)
	for i, rule := range cfg.Protected {
		prefix := cleanPath(rule.Prefix)
		if seen[prefix] {
			return nil, fmt.Errorf("routes.protected[%d]: duplicate prefix %q", i, prefix)
		}
		seen[prefix] = true

		roles := make([]auth.Role, 0, len(rule.Roles))
		for _, name := range rule.Roles {
			r, ok := auth.ParseRole(name)
			if !ok {
				return nil, fmt.Errorf("routes.protected[%d]: unknown role %q", i, name)
			}
			roles = append(roles, r)
		}
		t.protected = append(t.protected, Route{Prefix: prefix, Roles: auth.NewRoleSet(roles...)})
	}

	sort.SliceStable(t.protected, func(i, j int) bool {
		return len(t.protected[i].Prefix) > len(t.protected[j].Prefix)
	})
	return t, nil
}

// Lookup resolves a path. Public paths are unprotected; the longest
// matching protected prefix supplies the required roles; anything else is
// protected with no role requirement.
func (t *RouteTable) Lookup(rawPath string) (required auth.RoleSet, protected bool) {
	p := cleanPath(rawPath)

	if t.publicExact[p] {
		return nil, false
	}
	for _, prefix := range t.publicPrefix {
		if hasPathPrefix(p, prefix) {
			return nil, false
		}
	}
	for _, r := range t.protected {
		if hasPathPrefix(p, r.Prefix) {
			return r.Roles.Clone(), true
		}
	}
	return nil, true
}

// Routes returns the protected routes, longest prefix first.
func (t *RouteTable) Routes() []Route {
	out := make([]Route, len(t.protected))
	for i, r := range t.protected {
		out[i] = Route{Prefix: r.Prefix, Roles: r.Roles.Clone()}
	}
	return out
}

// cleanPath drops any query or fragment and normalises slashes and dots.
func cleanPath(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		raw = u.Path
	}
	if raw == "" {
		return "/"
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return path.Clean(raw)
}

// hasPathPrefix matches whole segments: /admin matches /admin and
// /admin/users but not /administrator.
func hasPathPrefix(p, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
