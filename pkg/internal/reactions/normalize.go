package reactions

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var ErrUnknownEncoding = errors.New("unknown reaction encoding")

// legacyEntry is one element of the list encoding.
type legacyEntry struct {
	Emoji  string `json:"emoji"`
	Symbol string `json:"symbol"`
	Users  any    `json:"users"`
	UserID any    `json:"user_ids"`
}

// Normalize decodes either historical encoding into a canonical Set.
func Normalize(raw []byte) (Set, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Set{}, nil
	}

	out := make(Set)
	switch raw[0] {
	case '{':
		var encoded map[string]any
		if err := jsoniter.Unmarshal(raw, &encoded); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownEncoding, err)
		}
		for emoji, users := range encoded {
			ids, err := toUserIDs(users)
			if err != nil {
				return nil, fmt.Errorf("reaction %q: %w", emoji, err)
			}
			out[emoji] = append(out[emoji], ids...)
		}
	case '[':
		var encoded []legacyEntry
		if err := jsoniter.Unmarshal(raw, &encoded); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownEncoding, err)
		}
		for _, entry := range encoded {
			emoji := entry.Emoji
			if len(emoji) == 0 {
				emoji = entry.Symbol
			}
			users := entry.Users
			if users == nil {
				users = entry.UserID
			}
			ids, err := toUserIDs(users)
			if err != nil {
				return nil, fmt.Errorf("reaction %q: %w", emoji, err)
			}
			out[emoji] = append(out[emoji], ids...)
		}
	default:
		return nil, ErrUnknownEncoding
	}

	return out.Clone(), nil
}

// NormalizeValue accepts an already decoded value, as produced by
// JSON or BSON decoders into any, and normalizes it.
func NormalizeValue(in any) (Set, error) {
	switch v := in.(type) {
	case nil:
		return Set{}, nil
	case Set:
		return v.Clone(), nil
	case map[string][]uint:
		return Set(v).Clone(), nil
	case []byte:
		return Normalize(v)
	case string:
		return Normalize([]byte(v))
	default:
		raw, err := jsoniter.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownEncoding, err)
		}
		return Normalize(raw)
	}
}

func (v *Set) UnmarshalJSON(data []byte) error {
	out, err := Normalize(data)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// Scan normalizes the stored column, whatever encoding it was written in.
func (v *Set) Scan(src any) error {
	var out Set
	var err error
	switch raw := src.(type) {
	case nil:
		out = Set{}
	case []byte:
		out, err = Normalize(raw)
	case string:
		out, err = Normalize([]byte(raw))
	default:
		return fmt.Errorf("%w: unsupported column type %T", ErrUnknownEncoding, src)
	}
	if err != nil {
		return err
	}
	*v = out
	return nil
}

func (v Set) Value() (driver.Value, error) {
	raw, err := jsoniter.Marshal(map[string][]uint(v.Clone()))
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func toUserIDs(in any) ([]uint, error) {
	switch v := in.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]uint, 0, len(v))
		for _, item := range v {
			id, err := toUserID(item)
			if err != nil {
				return nil, err
			}
			out = append(out, id)
		}
		return out, nil
	case map[string]any:
		// Set-like encoding: {"<user id>": true}
		out := make([]uint, 0, len(v))
		for key, flag := range v {
			if applied, ok := flag.(bool); ok && !applied {
				continue
			}
			id, err := toUserID(key)
			if err != nil {
				return nil, err
			}
			out = append(out, id)
		}
		return out, nil
	default:
		id, err := toUserID(v)
		if err != nil {
			return nil, err
		}
		return []uint{id}, nil
	}
}

func toUserID(in any) (uint, error) {
	switch v := in.(type) {
	case float64:
		if v < 0 || v != float64(uint(v)) {
			return 0, fmt.Errorf("invalid user id %v", v)
		}
		return uint(v), nil
	case json.Number:
		return parseUserID(v.String())
	case string:
		return parseUserID(v)
	case int:
		if v < 0 {
			return 0, fmt.Errorf("invalid user id %d", v)
		}
		return uint(v), nil
	case int32:
		if v < 0 {
			return 0, fmt.Errorf("invalid user id %d", v)
		}
		return uint(v), nil
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("invalid user id %d", v)
		}
		return uint(v), nil
	case uint:
		return v, nil
	case uint64:
		return uint(v), nil
	default:
		return 0, fmt.Errorf("invalid user id type %T", in)
	}
}

func parseUserID(in string) (uint, error) {
	num, err := strconv.ParseUint(strings.TrimSpace(in), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid user id %q", in)
	}
	return uint(num), nil
}
