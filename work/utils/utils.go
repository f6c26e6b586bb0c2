package utils

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// LogURLWithFlag returns either the original URL or an obfuscated version for logging
func LogURLWithFlag(obfuscate bool, url string) string {
	if obfuscate {
		return ObfuscateURL(url)
	}
	return url
}

// ObfuscateURL keeps scheme and host and masks path, query and fragment.
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

// SanitizeChannelName turns a display name into a URL and key safe token.
func SanitizeChannelName(name string) string {
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
	}

	for old, new := range replacements {
		sanitized = strings.ReplaceAll(sanitized, old, new)
	}

	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}

	return strings.Trim(sanitized, "_")
}

// DesanitizeChannelName reverses the space substitution of SanitizeChannelName
// so a token like "BBC_One_HD" can be looked up by name.
func DesanitizeChannelName(token string) string {
	return strings.TrimSpace(strings.ReplaceAll(token, "_", " "))
}

// ChannelID derives a stable channel identity from a stream URL.
func ChannelID(streamURL string) string {
	sum := blake2b.Sum256([]byte(strings.TrimSpace(streamURL)))
	return hex.EncodeToString(sum[:8])
}

// NameFromURL guesses a display name from the last meaningful path element of
// a stream URL ("https://host/live/news/index.m3u8" -> "news").
func NameFromURL(streamURL string) string {
	u, err := url.Parse(streamURL)
	if err != nil || u.Path == "" {
		return streamURL
	}
	dir, file := path.Split(strings.TrimSuffix(u.Path, "/"))
	base := strings.TrimSuffix(file, path.Ext(file))
	if base == "" || base == "index" || base == "playlist" || base == "master" {
		parent := path.Base(strings.TrimSuffix(dir, "/"))
		if parent != "" && parent != "/" && parent != "." {
			return parent
		}
	}
	if base == "" {
		return u.Host
	}
	return base
}

// FormatBytes renders a byte count with a binary unit suffix ("1.5 MB").
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
