package backup

import "strings"

// lookupEnv returns the value of key from a "K=V" list as reported by the
// engine, the K=V form compose and the Docker API both use.
func lookupEnv(env []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

// envOr returns the value of key, or def if unset.
func envOr(env []string, key, def string) string {
	if v, ok := lookupEnv(env, key); ok {
		return v
	}
	return def
}
