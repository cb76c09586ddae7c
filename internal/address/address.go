// Package address parses and builds agent addresses of the form
// name@[scope.]tenant.provider and classifies them as local or external.
package address

import "strings"

// Address is a structured agent address. Provider is the last two
// dot-separated domain labels (or fewer when the domain is short), tenant is
// the label immediately preceding the provider, and scope is any remaining
// leading labels (optional, purely informational).
type Address struct {
	Name     string
	Scope    string
	Tenant   string
	Provider string
}

// Defaults supplies the caller's own tenant and provider, applied to bare
// names and short domains.
type Defaults struct {
	Tenant   string
	Provider string
}

// Resolve parses a recipient string into a structured address. It is total:
// malformed input degrades to treating the whole string as a bare name
// resolved against the defaults. No network I/O.
func Resolve(raw string, d Defaults) Address {
	raw = strings.TrimSpace(raw)

	name, domain, ok := splitAddress(raw)
	if !ok {
		return Address{Name: raw, Tenant: d.Tenant, Provider: d.Provider}
	}

	labels := splitLabels(domain)
	switch {
	case len(labels) == 0:
		return Address{Name: raw, Tenant: d.Tenant, Provider: d.Provider}
	case len(labels) == 1:
		return Address{Name: name, Tenant: d.Tenant, Provider: labels[0]}
	case len(labels) == 2:
		return Address{Name: name, Tenant: d.Tenant, Provider: labels[0] + "." + labels[1]}
	default:
		n := len(labels)
		return Address{
			Name:     name,
			Scope:    strings.Join(labels[:n-3], "."),
			Tenant:   labels[n-3],
			Provider: labels[n-2] + "." + labels[n-1],
		}
	}
}

// String builds the canonical textual form name@[scope.]tenant.provider.
func (a Address) String() string {
	return a.Name + "@" + a.Domain()
}

// Domain returns the address domain without the name part.
func (a Address) Domain() string {
	parts := make([]string, 0, 3)
	if a.Scope != "" {
		parts = append(parts, a.Scope)
	}
	if a.Tenant != "" {
		parts = append(parts, a.Tenant)
	}
	if a.Provider != "" {
		parts = append(parts, a.Provider)
	}
	return strings.Join(parts, ".")
}

// IsLocal reports whether the address belongs to the local mesh: its provider
// equals the configured mesh domain or one of its legacy aliases.
func (a Address) IsLocal(meshDomain string, aliases []string) bool {
	if strings.EqualFold(a.Provider, meshDomain) {
		return true
	}
	for _, alias := range aliases {
		if strings.EqualFold(a.Provider, alias) {
			return true
		}
	}
	return false
}

// splitAddress splits name@domain, rejecting anything that is not exactly one
// non-empty name, one @, and one non-empty domain.
func splitAddress(raw string) (name, domain string, ok bool) {
	at := strings.Index(raw, "@")
	if at <= 0 || at == len(raw)-1 {
		return "", "", false
	}
	name = raw[:at]
	domain = raw[at+1:]
	if strings.Contains(domain, "@") {
		return "", "", false
	}
	return name, strings.ToLower(domain), true
}

// splitLabels splits a domain into labels, dropping empties so that stray
// dots never panic the resolver.
func splitLabels(domain string) []string {
	var labels []string
	for _, l := range strings.Split(domain, ".") {
		if l != "" {
			labels = append(labels, l)
		}
	}
	return labels
}
