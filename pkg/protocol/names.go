package protocol

import (
	"errors"
	"strings"
	"unicode"
)

// MaxNameLength bounds room and display names.
const MaxNameLength = 255

var (
	ErrEmptyName   = errors.New("name is empty")
	ErrNameTooLong = errors.New("name is too long")
	ErrNameInvalid = errors.New("name contains control characters")
)

// NormalizeName trims a room or display name and rejects blank, overlong
// and control-character names.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", ErrEmptyName
	case len(name) > MaxNameLength:
		return "", ErrNameTooLong
	case strings.IndexFunc(name, unicode.IsControl) >= 0:
		return "", ErrNameInvalid
	}
	return name, nil
}
