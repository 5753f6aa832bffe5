package restore

import (
	"os"
	"strings"
)

// resolvePlaceholders expands ${VAR} and ${VAR:-default} references in s,
// resolved in precedence envMap -> process env -> default -> empty, the
// precedence SQL replay and credential resync use (distinct from
// compose.Interpolate's envMap-then-default rule applied to manifests).
func resolvePlaceholders(s string, envMap map[string]string) string {
	var sb strings.Builder
	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "${")
		if start < 0 {
			sb.WriteString(s[i:])
			break
		}
		start += i
		end := strings.Index(s[start:], "}")
		if end < 0 {
			sb.WriteString(s[i:])
			break
		}
		end += start
		sb.WriteString(s[i:start])

		expr := s[start+2 : end]
		name, def, hasDefault := strings.Cut(expr, ":-")
		sb.WriteString(resolveOne(name, def, hasDefault, envMap))
		i = end + 1
	}
	return sb.String()
}

func resolveOne(name, def string, hasDefault bool, envMap map[string]string) string {
	if v, ok := envMap[name]; ok && v != "" {
		return v
	}
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	if hasDefault {
		return def
	}
	return ""
}
