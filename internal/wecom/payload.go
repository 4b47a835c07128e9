package wecom

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Fields is a flat key/value view of an inbound webhook body. Lookups
// tolerate the three casing conventions the vendor emits (PascalCase,
// camelCase, all-lowercase).
type Fields map[string]any

var (
	xmlTagPattern  = regexp.MustCompile(`(?s)<([A-Za-z][A-Za-z0-9_]*)>(?:<!\[CDATA\[(.*?)\]\]>|(.*?))</([A-Za-z][A-Za-z0-9_]*)>`)
	numericPattern = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
	xmlWrapPattern = regexp.MustCompile(`(?s)^\s*<xml>(.*)</xml>\s*$`)
)

// ParsePayload parses a JSON or vendor-XML body into Fields. JSON is
// attempted first; anything that fails JSON decoding goes through the
// tolerant tag scanner. Unusable bodies return an error, never a panic.
func ParsePayload(body []byte) (Fields, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, fmt.Errorf("payload is empty")
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
		return Fields(decoded), nil
	}
	fields := scanXML(trimmed)
	if len(fields) == 0 {
		return nil, fmt.Errorf("payload is neither JSON nor recognizable XML")
	}
	return fields, nil
}

// scanXML extracts <Tag>value</Tag> and <Tag><![CDATA[value]]></Tag>
// pairs. It is deliberately not a full XML parser: matching is
// non-greedy, values may span lines, and nesting is handled only as a
// single unwrap of an outer <xml> element.
func scanXML(doc string) Fields {
	if m := xmlWrapPattern.FindStringSubmatch(doc); m != nil {
		inner := strings.TrimSpace(m[1])
		if wrapped := xmlWrapPattern.FindStringSubmatch(inner); wrapped != nil {
			inner = strings.TrimSpace(wrapped[1])
		}
		doc = inner
	}
	fields := Fields{}
	for _, match := range xmlTagPattern.FindAllStringSubmatch(doc, -1) {
		open, cdata, plain, closing := match[1], match[2], match[3], match[4]
		if open != closing {
			continue
		}
		value := cdata
		if value == "" {
			value = plain
		}
		fields[open] = coerceValue(strings.TrimSpace(value))
	}
	return fields
}

func coerceValue(value string) any {
	if !numericPattern.MatchString(value) {
		return value
	}
	if !strings.Contains(value, ".") {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

// Get looks a field up under PascalCase, camelCase, and all-lowercase
// variants of name. Name should be given in PascalCase.
func (f Fields) Get(name string) (any, bool) {
	if f == nil || name == "" {
		return nil, false
	}
	for _, key := range casingVariants(name) {
		if value, ok := f[key]; ok {
			return value, true
		}
	}
	return nil, false
}

// GetString returns the field as a trimmed string; numbers are
// formatted back to their text form.
func (f Fields) GetString(name string) string {
	value, ok := f.Get(name)
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// GetInt64 returns the field as an integer, tolerating numeric strings.
func (f Fields) GetInt64(name string) int64 {
	value, ok := f.Get(name)
	if !ok {
		return 0
	}
	switch v := value.(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// Canonicalize backfills a PascalCase view: every key reachable under a
// casing variant is also stored under the canonical PascalCase name.
func (f Fields) Canonicalize(names ...string) Fields {
	if f == nil {
		return nil
	}
	for _, name := range names {
		if _, ok := f[name]; ok {
			continue
		}
		if value, ok := f.Get(name); ok {
			f[name] = value
		}
	}
	return f
}

func casingVariants(name string) []string {
	lower := strings.ToLower(name)
	camel := strings.ToLower(name[:1]) + name[1:]
	return []string{name, camel, lower}
}
