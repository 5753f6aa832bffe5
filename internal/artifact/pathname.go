package artifact

import "strings"

// EscapePath turns an absolute container path into a flat archive entry
// name: "/var/lib/postgresql/data" becomes "var_lib_postgresql_data.tar".
// Slashes collide with directory separators inside the zip, so volume
// tars live as flat, escaped-name entries instead of nested paths.
func EscapePath(containerPath string) string {
	trimmed := strings.Trim(containerPath, "/")
	escaped := strings.ReplaceAll(trimmed, "/", "_")
	return escaped + ".tar"
}

// UnescapePath reverses EscapePath, recovering the original absolute
// container path from an archive entry name. It is a best-effort inverse:
// a path segment that itself contained an underscore is indistinguishable
// from a path separator once escaped, so UnescapePath is only used for
// display and never to reconstruct an exact injection target — injection
// always uses the path recorded verbatim in config.json instead.
func UnescapePath(entryName string) string {
	name := strings.TrimSuffix(entryName, ".tar")
	return "/" + strings.ReplaceAll(name, "_", "/")
}

// ErrorEntryName returns the downgrade marker entry name for a path whose
// volume capture failed: "ERROR_<escaped>.txt".
func ErrorEntryName(containerPath string) string {
	trimmed := strings.Trim(containerPath, "/")
	escaped := strings.ReplaceAll(trimmed, "/", "_")
	return "ERROR_" + escaped + ".txt"
}
