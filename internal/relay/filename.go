package relay

import (
	"fmt"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const maxFileNameBytes = 255

// SanitizeFileName reduces an uploaded name to a display-safe base name.
// index is the file's position and names the fallback.
func SanitizeFileName(name string, index int) string {
	name = norm.NFC.String(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)

	name = strings.Map(func(r rune) rune {
		if r == utf8.RuneError || unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)

	for len(name) > maxFileNameBytes {
		_, size := utf8.DecodeLastRuneInString(name)
		name = name[:len(name)-size]
	}

	if name == "" || name == "." || name == ".." || name == "/" {
		return fmt.Sprintf("file-%d", index+1)
	}
	return name
}
