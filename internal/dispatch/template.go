package dispatch

import (
	"fmt"
	"strconv"
	"strings"
)

// paramKind is the type of a template placeholder.
type paramKind int

const (
	kindLiteral paramKind = iota
	kindString
	kindInt
)

type segment struct {
	kind    paramKind
	literal string // set for kindLiteral
	name    string // set for placeholders
}

// Template is a parsed topic template such as
// "iotdm-1/mgmt/custom/{bundleId}/{actionId}". Segments are either literals
// or typed placeholders: {name} matches any non-empty segment, {name:int}
// matches a base-10 integer.
type Template struct {
	raw      string
	segments []segment
}

// ParseTemplate parses a topic template.
func ParseTemplate(raw string) (*Template, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty template", ErrInvalidTemplate)
	}

	parts := strings.Split(raw, "/")
	t := &Template{raw: raw, segments: make([]segment, 0, len(parts))}
	seen := make(map[string]bool)

	for i, part := range parts {
		if !strings.HasPrefix(part, "{") {
			if part == "" {
				return nil, fmt.Errorf("%w: %q has an empty segment at %d", ErrInvalidTemplate, raw, i)
			}
			if strings.ContainsAny(part, "{}+#") {
				return nil, fmt.Errorf("%w: %q segment %q", ErrInvalidTemplate, raw, part)
			}
			t.segments = append(t.segments, segment{kind: kindLiteral, literal: part})
			continue
		}

		if !strings.HasSuffix(part, "}") {
			return nil, fmt.Errorf("%w: %q unterminated placeholder %q", ErrInvalidTemplate, raw, part)
		}
		name, kindName, _ := strings.Cut(part[1:len(part)-1], ":")
		if name == "" {
			return nil, fmt.Errorf("%w: %q placeholder without a name", ErrInvalidTemplate, raw)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: %q repeats placeholder %q", ErrInvalidTemplate, raw, name)
		}
		seen[name] = true

		seg := segment{name: name}
		switch kindName {
		case "", "string":
			seg.kind = kindString
		case "int":
			seg.kind = kindInt
		default:
			return nil, fmt.Errorf("%w: %q unknown placeholder type %q", ErrInvalidTemplate, raw, kindName)
		}
		t.segments = append(t.segments, seg)
	}

	return t, nil
}

// MustParseTemplate is ParseTemplate for templates known at compile time.
func MustParseTemplate(raw string) *Template {
	t, err := ParseTemplate(raw)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the template as written.
func (t *Template) String() string { return t.raw }

// Filter renders the MQTT subscription filter for the template, with a
// single-level wildcard in place of each placeholder.
func (t *Template) Filter() string {
	out := make([]string, len(t.segments))
	for i, seg := range t.segments {
		if seg.kind == kindLiteral {
			out[i] = seg.literal
		} else {
			out[i] = "+"
		}
	}
	return strings.Join(out, "/")
}

// key identifies the set of topics the template covers: its filter.
// Placeholder names and types do not change which messages the
// subscription delivers.
func (t *Template) key() string { return t.Filter() }

// Match reports whether topic fits the template and returns the
// placeholder values.
func (t *Template) Match(topic string) (Params, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != len(t.segments) {
		return Params{}, false
	}

	var values map[string]any
	for i, seg := range t.segments {
		part := parts[i]
		switch seg.kind {
		case kindLiteral:
			if part != seg.literal {
				return Params{}, false
			}
			continue
		case kindString:
			if part == "" {
				return Params{}, false
			}
			if values == nil {
				values = make(map[string]any)
			}
			values[seg.name] = part
		case kindInt:
			n, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return Params{}, false
			}
			if values == nil {
				values = make(map[string]any)
			}
			values[seg.name] = n
		}
	}
	return Params{values: values}, true
}

// Params holds the placeholder values of a matched topic.
type Params struct {
	values map[string]any
}

// Get returns a placeholder value as a string, or "" when absent.
func (p Params) Get(name string) string {
	switch v := p.values[name].(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// Int returns the value of an {name:int} placeholder.
func (p Params) Int(name string) (int64, bool) {
	v, ok := p.values[name].(int64)
	return v, ok
}

// Len returns the number of placeholder values.
func (p Params) Len() int { return len(p.values) }
