package http

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const MaxChannelIDLength = 64

var channelIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// ValidChannelID checks a channel id taken from the URL path.
func ValidChannelID(s string) bool {
	if s == "" || len(s) > MaxChannelIDLength {
		return false
	}
	return channelIDPattern.MatchString(s)
}

// ParseID parses a positive numeric path id.
func ParseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// QueryInt returns the integer query value or def when absent or malformed.
func QueryInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// SanitizeString removes null bytes (rejected by Postgres text columns) and invalid UTF-8.
func SanitizeString(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")

	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for _, r := range s {
			if r != utf8.RuneError {
				v = append(v, r)
			}
		}
		s = string(v)
	}
	return s
}
