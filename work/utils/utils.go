package utils

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"streamrelay/work/config"
)

// LogURL returns either the original URL or an obfuscated version for logging
func LogURL(cfg *config.Config, url string) string {
	return LogURLWithFlag(cfg.ObfuscateUrls, url)
}

// LogURLWithFlag is LogURL for callers that only carry the flag.
func LogURLWithFlag(obfuscate bool, url string) string {
	if obfuscate {
		return ObfuscateURL(url)
	}
	return url
}

// ObfuscateURL keeps scheme and host and masks the rest.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
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

// FormatIndex renders a 1-based index the way local paths use it: five
// digits, zero padded.
func FormatIndex(i int) string {
	return fmt.Sprintf("%05d", i)
}

// ResolveURL resolves ref against the URL of the document it appeared in.
// Absolute refs are returned unchanged.
func ResolveURL(base, ref string) (string, error) {
	refURL, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("invalid reference %q: %w", ref, err)
	}
	if refURL.IsAbs() {
		return refURL.String(), nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base %q: %w", base, err)
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

// OriginOf strips path, query and fragment: "https://a.b/c?d" -> "https://a.b".
func OriginOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("not an absolute URL: %q", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// SanitizeFileName turns a title into something usable as a file name.
func SanitizeFileName(name string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
		"\"", "", "<", "_", ">", "_", "|", "_",
	)
	sanitized := strings.TrimSpace(replacer.Replace(name))
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	sanitized = path.Clean(strings.Trim(sanitized, "_ ."))
	if sanitized == "." || sanitized == "" {
		return "media"
	}
	return sanitized
}

// FormatBytes renders a byte count for progress output.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
