package utils

import (
	"net/url"
	"strings"
)

const redacted = "*****"

// urlSchemes are the store and pubsub schemes whose credentials live in URL userinfo
var urlSchemes = []string{
	"redis://", "rediss://",
	"mongodb://", "mongodb+srv://",
	"postgres://", "postgresql://",
	"mysql://",
}

// SanitizeConnectionString removes credentials from connection strings for safe logging
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}

	for _, scheme := range urlSchemes {
		if strings.HasPrefix(connStr, scheme) {
			return sanitizeURL(connStr)
		}
	}

	// DSN form (user:password@tcp(host)/db): redact between the last ':' and '@'
	if at := strings.Index(connStr, "@"); at != -1 {
		userPart := connStr[:at]
		if colonIdx := strings.LastIndex(userPart, ":"); colonIdx != -1 {
			return userPart[:colonIdx+1] + redacted + connStr[at:]
		}
	}

	return connStr
}

func sanitizeURL(connStr string) string {
	parsedURL, err := url.Parse(connStr)
	if err != nil {
		// If parsing fails, just redact the whole thing after the scheme
		parts := strings.SplitN(connStr, "://", 2)
		return parts[0] + "://" + redacted
	}

	if parsedURL.User != nil {
		if _, hasPassword := parsedURL.User.Password(); hasPassword {
			// url escapes '*' in userinfo, so substitute after formatting
			parsedURL.User = url.UserPassword(parsedURL.User.Username(), "REDACTED")
			return strings.Replace(parsedURL.String(), ":REDACTED@", ":"+redacted+"@", 1)
		}
	}
	return parsedURL.String()
}
