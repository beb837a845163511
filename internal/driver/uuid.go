package driver

import "regexp"

// containerNamePattern matches the convention consumed from the container
// runtime: a 32 hex character instance id prefix, followed by
// "_<service>_<ordinal>", per §6 "Container naming convention consumed".
var containerNamePattern = regexp.MustCompile(`^.*([a-z0-9]{32})_.+_.+$`)

// ExtractUUID extracts the 32-hex instance id prefix from a running
// container name and renders it in canonical 8-4-4-4-12 dashed form. It
// returns false when the name does not match the convention.
func ExtractUUID(containerName string) (string, bool) {
	match := containerNamePattern.FindStringSubmatch(containerName)
	if match == nil {
		return "", false
	}
	return CanonicalUUID(match[1]), true
}

// CanonicalUUID segments a 32 hex character string into 8-4-4-4-12 dashed
// form. hex must be exactly 32 characters; the caller is expected to have
// validated that already (e.g. via the regex in ExtractUUID).
func CanonicalUUID(hex string) string {
	if len(hex) != 32 {
		return hex
	}
	return hex[0:8] + "-" + hex[8:12] + "-" + hex[12:16] + "-" + hex[16:20] + "-" + hex[20:32]
}
