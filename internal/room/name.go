package room

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Kind partitions the room namespace.
type Kind string

const (
	KindUser    Kind = "user"
	KindProject Kind = "project"
	KindTask    Kind = "task"
)

var (
	ErrMalformedName = errors.New("malformed room name")
	ErrReservedRoom  = errors.New("room is managed by the server")
)

// Entity ids: alphanumeric start, then up to 127 of [A-Za-z0-9_.@|-].
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@|-]{0,127}$`)

// MaxIdentityLen bounds identities and therefore user room ids.
const MaxIdentityLen = 128

// ValidateIdentity reports whether identity can name a user room: 1 to
// MaxIdentityLen bytes of UTF-8 with no control characters and no
// surrounding whitespace.
func ValidateIdentity(identity string) error {
	switch {
	case identity == "":
		return fmt.Errorf("empty identity: %w", ErrMalformedName)
	case len(identity) > MaxIdentityLen:
		return fmt.Errorf("identity too long: %w", ErrMalformedName)
	case !utf8.ValidString(identity):
		return fmt.Errorf("identity is not utf-8: %w", ErrMalformedName)
	case strings.TrimSpace(identity) != identity:
		return fmt.Errorf("%q: surrounding whitespace: %w", identity, ErrMalformedName)
	case strings.IndexFunc(identity, unicode.IsControl) >= 0:
		return fmt.Errorf("%q: control character: %w", identity, ErrMalformedName)
	}
	return nil
}

// Parse splits a room name into its kind and entity id.
func Parse(name string) (Kind, string, error) {
	prefix, id, ok := strings.Cut(name, ":")
	if !ok {
		return "", "", fmt.Errorf("%q: %w", name, ErrMalformedName)
	}
	kind := Kind(prefix)
	switch kind {
	case KindUser, KindProject, KindTask:
	default:
		return "", "", fmt.Errorf("%q: unknown kind: %w", name, ErrMalformedName)
	}
	if kind == KindUser {
		if err := ValidateIdentity(id); err != nil {
			return "", "", fmt.Errorf("%q: bad id: %w", name, err)
		}
		return kind, id, nil
	}
	if !idPattern.MatchString(id) {
		return "", "", fmt.Errorf("%q: bad id: %w", name, ErrMalformedName)
	}
	return kind, id, nil
}

// Validate reports whether name is a well-formed room name.
func Validate(name string) error {
	_, _, err := Parse(name)
	return err
}

// ValidateClientRoom is Validate plus the rule that clients may only ask
// for project and task rooms.
func ValidateClientRoom(name string) error {
	kind, _, err := Parse(name)
	if err != nil {
		return err
	}
	if kind == KindUser {
		return fmt.Errorf("%q: %w", name, ErrReservedRoom)
	}
	return nil
}

func UserRoom(identity string) string { return string(KindUser) + ":" + identity }

func ProjectRoom(id string) string { return string(KindProject) + ":" + id }

func TaskRoom(id string) string { return string(KindTask) + ":" + id }
