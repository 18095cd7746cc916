package modelpool

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pagesmith/pagesmith-backend/internal/domain"
)

// Catalog is the read-only registry of backend descriptors, keyed by role,
// with optional per-product-type override lists. Loaded once at startup.
type Catalog struct {
	roles     map[domain.Role][]domain.ModelDescriptor
	overrides map[domain.ProductType]map[domain.Role][]string
	byBackend map[string]domain.ModelDescriptor
}

func NewCatalog(models []domain.ModelDescriptor, overrides map[string]map[string][]string) (*Catalog, error) {
	c := &Catalog{
		roles:     map[domain.Role][]domain.ModelDescriptor{},
		overrides: map[domain.ProductType]map[domain.Role][]string{},
		byBackend: map[string]domain.ModelDescriptor{},
	}
	for _, m := range models {
		if strings.TrimSpace(string(m.Role)) == "" {
			return nil, fmt.Errorf("model %q: role required", m.BackendID)
		}
		if strings.TrimSpace(m.BackendID) == "" {
			return nil, fmt.Errorf("role %q: backend_id required", m.Role)
		}
		c.roles[m.Role] = append(c.roles[m.Role], m)
		c.byBackend[roleBackendKey(m.Role, m.BackendID)] = m
	}
	for role := range c.roles {
		list := c.roles[role]
		sort.SliceStable(list, func(i, j int) bool { return list[i].Priority < list[j].Priority })
		c.roles[role] = list
	}
	for pt, perRole := range overrides {
		dst := map[domain.Role][]string{}
		for role, backends := range perRole {
			for _, id := range backends {
				if _, ok := c.byBackend[roleBackendKey(domain.Role(role), id)]; !ok {
					return nil, fmt.Errorf("override %s/%s references unknown backend %q", pt, role, id)
				}
			}
			dst[domain.Role(role)] = backends
		}
		c.overrides[domain.ProductType(pt)] = dst
	}
	return c, nil
}

// Resolve returns the ordered candidate list for a role: the product-type
// override list first (when configured), then the role's default
// priority-ordered list, without duplicates.
func (c *Catalog) Resolve(role domain.Role, productType domain.ProductType) []domain.ModelDescriptor {
	var out []domain.ModelDescriptor
	seen := map[string]bool{}

	if perRole, ok := c.overrides[productType]; ok {
		for _, id := range perRole[role] {
			if desc, ok := c.byBackend[roleBackendKey(role, id)]; ok && !seen[id] {
				out = append(out, desc)
				seen[id] = true
			}
		}
	}
	for _, desc := range c.roles[role] {
		if !seen[desc.BackendID] {
			out = append(out, desc)
			seen[desc.BackendID] = true
		}
	}
	return out
}

func (c *Catalog) Roles() []domain.Role {
	out := make([]domain.Role, 0, len(c.roles))
	for role := range c.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func roleBackendKey(role domain.Role, backendID string) string {
	return string(role) + "/" + backendID
}
