package indexsync

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Document is a JSON document body as stored and indexed.
type Document map[string]any

// attributeKind enumerates the typed attribute variants a stream image can
// carry. Anything else falls through to attrPlain and is kept as plain JSON.
type attributeKind int

const (
	attrPlain attributeKind = iota
	attrString
	attrNumber
	attrBool
	attrNull
	attrMap
	attrList
	attrStringSet
	attrNumberSet
	attrBinary
	attrBinarySet
)

var attributeTags = map[string]attributeKind{
	"S":    attrString,
	"N":    attrNumber,
	"BOOL": attrBool,
	"NULL": attrNull,
	"M":    attrMap,
	"L":    attrList,
	"SS":   attrStringSet,
	"NS":   attrNumberSet,
	"B":    attrBinary,
	"BS":   attrBinarySet,
}

// classifyAttribute returns the variant of a single-key tagged object along
// with its payload.
func classifyAttribute(v gjson.Result) (attributeKind, gjson.Result) {
	if !v.IsObject() {
		return attrPlain, v
	}
	var (
		kind    = attrPlain
		payload gjson.Result
		keys    int
	)
	v.ForEach(func(key, value gjson.Result) bool {
		keys++
		if keys > 1 {
			return false
		}
		if k, ok := attributeTags[key.String()]; ok {
			kind = k
			payload = value
		}
		return true
	})
	if keys != 1 || kind == attrPlain {
		return attrPlain, v
	}
	return kind, payload
}

func decodeAttribute(v gjson.Result) (any, error) {
	kind, payload := classifyAttribute(v)
	switch kind {
	case attrString:
		return payload.String(), nil
	case attrNumber:
		return parseNumber(payload.String())
	case attrBool:
		return payload.Bool(), nil
	case attrNull:
		return nil, nil
	case attrMap:
		return decodeAttributeMap(payload)
	case attrList:
		var out []any
		var err error
		payload.ForEach(func(_, item gjson.Result) bool {
			var val any
			val, err = decodeAttribute(item)
			if err != nil {
				return false
			}
			out = append(out, val)
			return true
		})
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = []any{}
		}
		return out, nil
	case attrStringSet:
		out := []string{}
		payload.ForEach(func(_, item gjson.Result) bool {
			out = append(out, item.String())
			return true
		})
		return out, nil
	case attrNumberSet:
		out := []json.Number{}
		var err error
		payload.ForEach(func(_, item gjson.Result) bool {
			var n json.Number
			n, err = parseNumber(item.String())
			if err != nil {
				return false
			}
			out = append(out, n)
			return true
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	case attrBinary:
		return decodeBinary(payload.String())
	case attrBinarySet:
		out := [][]byte{}
		var err error
		payload.ForEach(func(_, item gjson.Result) bool {
			var b []byte
			b, err = decodeBinary(item.String())
			if err != nil {
				return false
			}
			out = append(out, b)
			return true
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	default:
		if v.IsObject() {
			return decodeAttributeMap(v)
		}
		if v.IsArray() {
			out := []any{}
			var err error
			v.ForEach(func(_, item gjson.Result) bool {
				var val any
				val, err = decodeAttribute(item)
				if err != nil {
					return false
				}
				out = append(out, val)
				return true
			})
			return out, err
		}
		if v.Type == gjson.Number {
			return json.Number(v.Raw), nil
		}
		return v.Value(), nil
	}
}

// decodeAttributeMap decodes an object whose fields are attribute values.
func decodeAttributeMap(v gjson.Result) (Document, error) {
	if !v.IsObject() {
		return nil, fmt.Errorf("expected object, got %s", v.Type)
	}
	doc := Document{}
	var err error
	v.ForEach(func(key, value gjson.Result) bool {
		var val any
		val, err = decodeAttribute(value)
		if err != nil {
			err = fmt.Errorf("field %s: %w", key.String(), err)
			return false
		}
		doc[key.String()] = val
		return true
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func parseNumber(s string) (json.Number, error) {
	if !gjson.Valid(s) || gjson.Parse(s).Type != gjson.Number {
		return "", fmt.Errorf("invalid number %q", s)
	}
	return json.Number(s), nil
}

func decodeBinary(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid binary attribute: %w", err)
	}
	return b, nil
}
