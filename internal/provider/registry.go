package provider

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// registrationFile maps a provider domain to its on-disk record name.
func registrationFile(dir, providerDomain string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, strings.ToLower(providerDomain))
	return filepath.Join(dir, name+".json")
}

// SaveRegistration persists a registration record with owner-only
// permissions. The record carries the API credential.
func SaveRegistration(dir string, reg *Registration) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(registrationFile(dir, reg.Provider), data, 0600)
}

// LookupRegistration returns the registration for a provider domain, or nil
// when the identity never registered there.
func LookupRegistration(dir, providerDomain string) (*Registration, error) {
	data, err := os.ReadFile(registrationFile(dir, providerDomain))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var reg Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// LoadRegistrations returns every registration record in the directory,
// keyed by provider domain.
func LoadRegistrations(dir string) (map[string]*Registration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Registration{}, nil
		}
		return nil, err
	}

	out := make(map[string]*Registration)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var reg Registration
		if err := json.Unmarshal(data, &reg); err != nil {
			continue
		}
		if reg.Provider != "" {
			out[reg.Provider] = &reg
		}
	}
	return out, nil
}
