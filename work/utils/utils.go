package utils

import (
	"net/url"
	"strings"
)

// LogURL returns either the original URL or an obfuscated version for logging,
// depending on the obfuscate flag from configuration.
func LogURL(obfuscate bool, rawURL string) string {
	if obfuscate {
		return ObfuscateURL(rawURL)
	}
	return rawURL
}

// SanitizeName converts a display name into a URL- and key-safe identifier.
// Characters with special meaning in URLs or M3U attribute values are replaced
// with underscores, and runs of underscores are collapsed.
func SanitizeName(name string) string {
	sanitized := name
	replacements := map[string]string{
		" ":  "_",
		",":  "_",
		"\"": "",
		"'":  "",
		"/":  "_",
		"\\": "_",
		"?":  "_",
		"&":  "_",
		"=":  "_",
		":":  "_",
		";":  "_",
		"|":  "_",
		"*":  "_",
		"<":  "_",
		">":  "_",
		"#":  "_",
	}

	for old, repl := range replacements {
		sanitized = strings.ReplaceAll(sanitized, old, repl)
	}

	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}

	return strings.Trim(sanitized, "_")
}

// ObfuscateURL masks the path, query and credentials of a URL so provider
// account details never land in log output. Scheme and host are preserved
// because they are needed to correlate log lines with a configured server.
func ObfuscateURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		// unparseable input gets fully masked
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}
