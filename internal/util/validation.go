package util

import (
	"regexp"
)

var (
	tokenRegex = regexp.MustCompile(`^[0-9a-f]{32}$`)
	keyRegex   = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

func IsValidToken(s string) bool {
	return tokenRegex.MatchString(s)
}

func IsValidKey(s string) bool {
	return keyRegex.MatchString(s)
}

func IsValidEnum(value string, validValues []string) bool {
	if value == "" {
		return true
	}
	for _, v := range validValues {
		if value == v {
			return true
		}
	}
	return false
}
