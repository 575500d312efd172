package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalForm serializes the hashed fields of e: keys sorted at every
// level, nulls explicit, timestamp as epoch milliseconds. CurrentHash and
// ID are not part of it.
func CanonicalForm(e *Entry) ([]byte, error) {
	var details any
	if len(e.Details) > 0 {
		if err := json.Unmarshal(e.Details, &details); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
	}

	obj := map[string]any{
		"actorIdentifier": e.ActorIdentifier,
		"actorIp":         nullable(e.ActorIP),
		"actionType":      string(e.ActionType),
		"targetType":      nil,
		"targetId":        nullable(e.TargetID),
		"details":         details,
		"previousHash":    nullable(e.PreviousHash),
		"timestamp":       e.Timestamp.UnixMilli(),
	}
	if e.TargetType != nil {
		obj["targetType"] = string(*e.TargetType)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, obj); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the hex SHA-256 of the canonical form of e.
func Hash(e *Entry) (string, error) {
	b, err := CanonicalForm(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeLeaf(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return writeLeaf(buf, t)
	}
	return nil
}

// writeLeaf encodes a scalar without HTML escaping. Floats use the same
// shortest round-trip form JSON.stringify produces.
func writeLeaf(buf *bytes.Buffer, v any) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %T: %w", v, err)
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}
