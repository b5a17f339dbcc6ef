// Package classad implements the schema-checked attribute record Design
// Note 9 calls for: a string-keyed, typed value bag used for plugin
// capability probes, plugin transfer results, the xfer-info preamble, and
// reuse/sign negotiation payloads (spec §3, §4.3, §4.4, §6).
//
// Attrs is a thin wrapper around structpb.Struct, so records are real
// proto.Message values usable directly as gRPC request/response payloads
// (internal/coordinator) with no protoc step, and can also be rendered to
// and parsed from the flat "Key = value" text form the plugin contract and
// statistics log use on disk (spec §6).
package classad

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

// Attrs is a mutable, string-keyed attribute record.
type Attrs struct {
	s *structpb.Struct
}

// New returns an empty attribute record.
func New() *Attrs {
	return &Attrs{s: &structpb.Struct{Fields: map[string]*structpb.Value{}}}
}

// FromProto wraps an existing structpb.Struct (e.g. one received over gRPC).
// A nil input yields an empty record.
func FromProto(s *structpb.Struct) *Attrs {
	if s == nil || s.Fields == nil {
		return New()
	}
	return &Attrs{s: s}
}

// Proto returns the underlying structpb.Struct for transport over gRPC.
func (a *Attrs) Proto() *structpb.Struct {
	return a.s
}

// SetString sets a string-valued attribute.
func (a *Attrs) SetString(key, value string) *Attrs {
	a.s.Fields[key] = structpb.NewStringValue(value)
	return a
}

// SetInt sets an integer-valued attribute.
func (a *Attrs) SetInt(key string, value int64) *Attrs {
	a.s.Fields[key] = structpb.NewNumberValue(float64(value))
	return a
}

// SetBool sets a boolean-valued attribute.
func (a *Attrs) SetBool(key string, value bool) *Attrs {
	a.s.Fields[key] = structpb.NewBoolValue(value)
	return a
}

// SetStringList sets a list-of-strings-valued attribute.
func (a *Attrs) SetStringList(key string, values []string) *Attrs {
	vals := make([]*structpb.Value, len(values))
	for i, v := range values {
		vals[i] = structpb.NewStringValue(v)
	}
	a.s.Fields[key] = structpb.NewListValue(&structpb.ListValue{Values: vals})
	return a
}

// GetString returns the string value of key and whether it was present and
// string-typed.
func (a *Attrs) GetString(key string) (string, bool) {
	v, ok := a.s.Fields[key]
	if !ok {
		return "", false
	}
	sv, ok := v.Kind.(*structpb.Value_StringValue)
	if !ok {
		return "", false
	}
	return sv.StringValue, true
}

// GetInt returns the integer value of key.
func (a *Attrs) GetInt(key string) (int64, bool) {
	v, ok := a.s.Fields[key]
	if !ok {
		return 0, false
	}
	nv, ok := v.Kind.(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return int64(nv.NumberValue), true
}

// GetBool returns the boolean value of key.
func (a *Attrs) GetBool(key string) (bool, bool) {
	v, ok := a.s.Fields[key]
	if !ok {
		return false, false
	}
	bv, ok := v.Kind.(*structpb.Value_BoolValue)
	if !ok {
		return false, false
	}
	return bv.BoolValue, true
}

// GetStringList returns the list-of-strings value of key.
func (a *Attrs) GetStringList(key string) ([]string, bool) {
	v, ok := a.s.Fields[key]
	if !ok {
		return nil, false
	}
	lv, ok := v.Kind.(*structpb.Value_ListValue)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(lv.ListValue.Values))
	for _, item := range lv.ListValue.Values {
		if sv, ok := item.Kind.(*structpb.Value_StringValue); ok {
			out = append(out, sv.StringValue)
		}
	}
	return out, true
}

// Has reports whether key is present.
func (a *Attrs) Has(key string) bool {
	_, ok := a.s.Fields[key]
	return ok
}

// Keys returns the record's attribute names in sorted order.
func (a *Attrs) Keys() []string {
	keys := make([]string, 0, len(a.s.Fields))
	for k := range a.s.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WriteTo renders the record in the flat "Key = value" text form used by
// the plugin contract's stdout lines, infile/outfile records, the
// statistics log, and sub-command payloads (spec §6, §4.7). Keys are
// written in sorted order for determinism. String-list fields render as a
// brace-enclosed, comma-separated list of quoted strings (e.g.
// `Tags = {"a","b"}`); nested-struct fields are skipped, since no attribute
// this system produces is ever struct-valued.
func (a *Attrs) WriteTo(w io.Writer) (int64, error) {
	var written int64
	for _, key := range a.Keys() {
		v := a.s.Fields[key]
		var line string
		switch kind := v.Kind.(type) {
		case *structpb.Value_StringValue:
			line = fmt.Sprintf("%s = %q\n", key, kind.StringValue)
		case *structpb.Value_NumberValue:
			line = fmt.Sprintf("%s = %s\n", key, strconv.FormatFloat(kind.NumberValue, 'f', -1, 64))
		case *structpb.Value_BoolValue:
			line = fmt.Sprintf("%s = %t\n", key, kind.BoolValue)
		case *structpb.Value_ListValue:
			line = fmt.Sprintf("%s = {%s}\n", key, encodeStringList(kind.ListValue))
		default:
			continue
		}
		n, err := io.WriteString(w, line)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// encodeStringList renders a list-of-strings value as a comma-separated,
// individually-quoted sequence. Non-string elements are skipped, matching
// GetStringList's own filtering.
func encodeStringList(lv *structpb.ListValue) string {
	parts := make([]string, 0, len(lv.Values))
	for _, item := range lv.Values {
		if sv, ok := item.Kind.(*structpb.Value_StringValue); ok {
			parts = append(parts, strconv.Quote(sv.StringValue))
		}
	}
	return strings.Join(parts, ",")
}

// Parse reads one attribute record terminated by a blank line or EOF from r,
// in the "Key = value" text form. Used to parse plugin capability probes
// and multi-transfer infile/outfile records (spec §4.3, §4.4).
func Parse(r io.Reader) (*Attrs, error) {
	return parseRecord(newScanner(r))
}

// newScanner wraps r in a line scanner sized for long attribute values.
func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}

// parseRecord reads one record from scanner, stopping after the blank line
// that ends it so the same scanner can go on to the next record.
func parseRecord(scanner *bufio.Scanner) (*Attrs, error) {
	a := New()

	any := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if any {
				break
			}
			continue
		}
		any = true

		idx := strings.Index(line, "=")
		if idx < 0 {
			return nil, fmt.Errorf("classad: malformed line %q", line)
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])

		switch {
		case strings.HasPrefix(value, "{") && strings.HasSuffix(value, "}"):
			list, err := decodeStringList(value)
			if err != nil {
				return nil, fmt.Errorf("classad: bad list value for %s: %w", key, err)
			}
			a.SetStringList(key, list)
		case strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) && len(value) >= 2:
			unquoted, err := strconv.Unquote(value)
			if err != nil {
				return nil, fmt.Errorf("classad: bad quoted value for %s: %w", key, err)
			}
			a.SetString(key, unquoted)
		case value == "true" || value == "false":
			a.SetBool(key, value == "true")
		default:
			if n, err := strconv.ParseFloat(value, 64); err == nil {
				a.SetInt(key, int64(n))
			} else {
				a.SetString(key, value)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !any {
		return nil, io.EOF
	}
	return a, nil
}

// decodeStringList parses a brace-enclosed, comma-separated list of quoted
// strings (the form encodeStringList writes), splitting on top-level commas
// only so a comma inside a quoted element (e.g. a URL query string) does
// not break the split.
func decodeStringList(value string) ([]string, error) {
	inner := strings.TrimSuffix(strings.TrimPrefix(value, "{"), "}")
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return []string{}, nil
	}

	var out []string
	var inQuotes, escaped bool
	start := 0
	for i, r := range inner {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && inQuotes:
			escaped = true
		case r == '"':
			inQuotes = !inQuotes
		case r == ',' && !inQuotes:
			elem, err := strconv.Unquote(strings.TrimSpace(inner[start:i]))
			if err != nil {
				return nil, err
			}
			out = append(out, elem)
			start = i + 1
		}
	}
	elem, err := strconv.Unquote(strings.TrimSpace(inner[start:]))
	if err != nil {
		return nil, err
	}
	out = append(out, elem)
	return out, nil
}

// ParseAll reads a sequence of blank-line-separated attribute records from
// r until EOF, as used for multi-transfer plugin infile/outfile files.
func ParseAll(r io.Reader) ([]*Attrs, error) {
	var records []*Attrs
	scanner := newScanner(r)
	for {
		rec, err := parseRecord(scanner)
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}
