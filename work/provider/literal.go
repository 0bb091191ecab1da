package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/grafana/regexp"
	"github.com/yosuke-furukawa/json5/encoding/json5"
)

// callArgument returns the object literal passed to fn in script, e.g. the
// "{...}" of "makePlayer({...})". Braces inside string literals are skipped.
func callArgument(script, fn string) (string, error) {
	start := strings.Index(script, fn+"(")
	if start < 0 {
		return "", errors.New(fn + " call not found")
	}
	open := strings.IndexByte(script[start:], '{')
	if open < 0 {
		return "", errors.New(fn + " has no object argument")
	}
	open += start

	depth := 0
	var quote byte
	for i := open; i < len(script); i++ {
		c := script[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return script[open : i+1], nil
			}
		}
	}
	return "", errors.New(fn + " argument is not closed")
}

// undefinedValue matches undefined used as a value, which JSON5 lacks.
var undefinedValue = regexp.MustCompile(`([:\[,]\s*)undefined\b`)

// decodeLiteral decodes a JavaScript object literal into v. JSON5 covers
// bare keys, single quotes, comments and trailing commas. The result is
// passed through encoding/json so v keeps its usual json tags and
// RawMessage fields.
func decodeLiteral(literal string, v any) error {
	literal = undefinedValue.ReplaceAllString(literal, "${1}null")

	var tree any
	if err := json5.Unmarshal([]byte(literal), &tree); err != nil {
		return fmt.Errorf("object literal: %w", err)
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
