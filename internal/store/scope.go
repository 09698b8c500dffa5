package store

import "github.com/gobwas/glob"

// InScope reports whether an instance id falls within a participation
// scope. An empty scope means all instances. Patterns use glob syntax
// ("web-*", "db-[12]"); a pattern that fails to compile is matched
// literally so a typo narrows the scope instead of widening it.
func InScope(scope []string, instanceID string) bool {
	if len(scope) == 0 {
		return true
	}
	for _, pattern := range scope {
		g, err := glob.Compile(pattern)
		if err != nil {
			if pattern == instanceID {
				return true
			}
			continue
		}
		if g.Match(instanceID) {
			return true
		}
	}
	return false
}
