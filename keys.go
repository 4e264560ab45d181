package userstate

import (
	"strings"
	"unicode"
)

const (
	coursePrefix = "course-v1:"
	blockPrefix  = "block-v1:"
)

// CourseKey identifies a course run. Branch and Version are optional
// qualifiers that never take part in storage identity.
type CourseKey struct {
	Org     string
	Course  string
	Run     string
	Branch  string
	Version string
}

// ParseCourseKey parses "course-v1:ORG+COURSE+RUN[+branch@B][+version@V]".
func ParseCourseKey(raw string) (CourseKey, error) {
	body, ok := strings.CutPrefix(strings.TrimSpace(raw), coursePrefix)
	if !ok {
		return CourseKey{}, &ValidationError{Field: "course", Value: raw, Reason: "missing " + coursePrefix + " prefix"}
	}
	parts := strings.Split(body, "+")
	if len(parts) < 3 {
		return CourseKey{}, &ValidationError{Field: "course", Value: raw, Reason: "expected ORG+COURSE+RUN"}
	}
	key := CourseKey{Org: parts[0], Course: parts[1], Run: parts[2]}
	for _, part := range parts[3:] {
		name, value, found := strings.Cut(part, "@")
		if !found {
			return CourseKey{}, &ValidationError{Field: "course", Value: raw, Reason: "malformed qualifier " + part}
		}
		switch name {
		case "branch":
			key.Branch = value
		case "version":
			key.Version = value
		default:
			return CourseKey{}, &ValidationError{Field: "course", Value: raw, Reason: "unknown qualifier " + name}
		}
	}
	if err := key.Validate(); err != nil {
		return CourseKey{}, err
	}
	return key, nil
}

// String renders k in its "course-v1:" form.
func (k CourseKey) String() string {
	var b strings.Builder
	b.WriteString(coursePrefix)
	k.writeBody(&b)
	return b.String()
}

func (k CourseKey) writeBody(b *strings.Builder) {
	b.WriteString(k.Org)
	b.WriteByte('+')
	b.WriteString(k.Course)
	b.WriteByte('+')
	b.WriteString(k.Run)
	if k.Branch != "" {
		b.WriteString("+branch@")
		b.WriteString(k.Branch)
	}
	if k.Version != "" {
		b.WriteString("+version@")
		b.WriteString(k.Version)
	}
}

// Canonical strips branch and version qualifiers.
func (k CourseKey) Canonical() CourseKey {
	k.Branch = ""
	k.Version = ""
	return k
}

// Path returns the canonical "ORG+COURSE+RUN" form used in storage keys.
func (k CourseKey) Path() string {
	return k.Org + "+" + k.Course + "+" + k.Run
}

// IsZero reports whether k is the zero key.
func (k CourseKey) IsZero() bool {
	return k == CourseKey{}
}

// Validate checks that every component is present and free of reserved
// characters.
func (k CourseKey) Validate() error {
	if k.IsZero() {
		return &ValidationError{Field: "course", Reason: "must not be empty"}
	}
	for _, c := range []struct{ name, value string }{
		{"course.org", k.Org},
		{"course.course", k.Course},
		{"course.run", k.Run},
	} {
		if err := validateComponent(c.name, c.value, true); err != nil {
			return err
		}
	}
	if err := validateComponent("course.branch", k.Branch, false); err != nil {
		return err
	}
	return validateComponent("course.version", k.Version, false)
}

func (k CourseKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *CourseKey) UnmarshalText(text []byte) error {
	parsed, err := ParseCourseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// BlockKey identifies one block usage inside a course.
type BlockKey struct {
	Course CourseKey
	Type   string
	ID     string
}

// NewBlockKey builds a block key inside course.
func NewBlockKey(course CourseKey, blockType, id string) BlockKey {
	return BlockKey{Course: course, Type: blockType, ID: id}
}

// ParseBlockKey parses
// "block-v1:ORG+COURSE+RUN[+branch@B][+version@V]+type@TYPE+block@ID".
func ParseBlockKey(raw string) (BlockKey, error) {
	body, ok := strings.CutPrefix(strings.TrimSpace(raw), blockPrefix)
	if !ok {
		return BlockKey{}, &ValidationError{Field: "block", Value: raw, Reason: "missing " + blockPrefix + " prefix"}
	}
	parts := strings.Split(body, "+")
	if len(parts) < 5 {
		return BlockKey{}, &ValidationError{Field: "block", Value: raw, Reason: "expected ORG+COURSE+RUN+type@TYPE+block@ID"}
	}
	key := BlockKey{Course: CourseKey{Org: parts[0], Course: parts[1], Run: parts[2]}}
	for _, part := range parts[3:] {
		name, value, found := strings.Cut(part, "@")
		if !found {
			return BlockKey{}, &ValidationError{Field: "block", Value: raw, Reason: "malformed qualifier " + part}
		}
		switch name {
		case "branch":
			key.Course.Branch = value
		case "version":
			key.Course.Version = value
		case "type":
			key.Type = value
		case "block":
			key.ID = value
		default:
			return BlockKey{}, &ValidationError{Field: "block", Value: raw, Reason: "unknown qualifier " + name}
		}
	}
	if err := key.Validate(); err != nil {
		return BlockKey{}, err
	}
	return key, nil
}

// MustParseBlockKey is ParseBlockKey that panics on error.
func MustParseBlockKey(raw string) BlockKey {
	key, err := ParseBlockKey(raw)
	if err != nil {
		panic(err)
	}
	return key
}

// String renders k in its "block-v1:" form.
func (k BlockKey) String() string {
	var b strings.Builder
	b.WriteString(blockPrefix)
	k.Course.writeBody(&b)
	b.WriteString("+type@")
	b.WriteString(k.Type)
	b.WriteString("+block@")
	b.WriteString(k.ID)
	return b.String()
}

// Canonical strips branch and version qualifiers from the course part.
func (k BlockKey) Canonical() BlockKey {
	k.Course = k.Course.Canonical()
	return k
}

// Canonicalize returns the storage identity of key. It is applied exactly
// once, when a key crosses into the client.
func Canonicalize(key BlockKey) BlockKey {
	return key.Canonical()
}

// IsZero reports whether k is the zero key.
func (k BlockKey) IsZero() bool {
	return k == BlockKey{}
}

// Validate checks the course part and the type and id components.
func (k BlockKey) Validate() error {
	if k.IsZero() {
		return &ValidationError{Field: "block", Reason: "must not be empty"}
	}
	if err := k.Course.Validate(); err != nil {
		return err
	}
	if err := validateComponent("block.type", k.Type, true); err != nil {
		return err
	}
	return validateComponent("block.id", k.ID, true)
}

func (k BlockKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *BlockKey) UnmarshalText(text []byte) error {
	parsed, err := ParseBlockKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func validateComponent(name, value string, required bool) error {
	if value == "" {
		if required {
			return &ValidationError{Field: name, Reason: "must not be empty"}
		}
		return nil
	}
	if strings.IndexFunc(value, reservedRune) >= 0 {
		return &ValidationError{Field: name, Value: value, Reason: "contains reserved characters"}
	}
	return nil
}

func reservedRune(r rune) bool {
	return r == '+' || r == '@' || unicode.IsSpace(r) || unicode.IsControl(r)
}
