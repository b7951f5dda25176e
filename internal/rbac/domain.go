package rbac

import "strings"

// Source identifies how a permission reached the principal.
type Source string

const (
	SourceRole   Source = "role"
	SourceDirect Source = "direct"
)

// Permission is a single granted capability.
type Permission struct {
	Key    string `json:"key"`
	Name   string `json:"name"`
	Source Source `json:"source"`
}

// Subject is the principal a permission check is evaluated for. SuperAdmin
// comes from the resolved role set and short-circuits every check.
type Subject struct {
	PrincipalID string
	SuperAdmin  bool
}

// NormalizeKey canonicalises a permission key for comparison.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// flatten de-duplicates by normalised key, keeping the first occurrence.
func flatten(perms []Permission) []Permission {
	seen := make(map[string]struct{}, len(perms))
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		key := NormalizeKey(p.Key)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		p.Key = key
		out = append(out, p)
	}
	return out
}
