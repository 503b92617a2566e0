package entryservice

import (
	"encoding/base64"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/starford/kpq/internal/apperr"
	"github.com/starford/kpq/internal/models"
	"github.com/starford/kpq/internal/storage"
)

// patch is a decoded put/post payload.
type patch struct {
	strings     []stringChange
	tags        []string
	tagsSet     bool
	expiry      *time.Time
	expirySet   bool
	attachments []storage.Attachment
}

type stringChange struct {
	key   string
	value string
	null  bool
}

// decodePatch validates and converts a payload before anything is
// written, so a bad payload never leaves a half-updated record behind.
func decodePatch(payload map[string]any) (*patch, error) {
	p := &patch{}
	for _, key := range slices.Sorted(maps.Keys(payload)) {
		value := payload[key]
		switch key {
		case "attachments":
			atts, err := decodeAttachments(value)
			if err != nil {
				return nil, err
			}
			p.attachments = append(p.attachments, atts...)

		case "custom_properties":
			props, ok := value.(map[string]any)
			if !ok {
				return nil, invalid("custom_properties must be a mapping")
			}
			for _, name := range slices.Sorted(maps.Keys(props)) {
				if err := p.custom(name, props[name]); err != nil {
					return nil, err
				}
			}

		case "uuid":
			return nil, invalid("uuid cannot be changed")

		case string(models.AttrTags):
			tags, err := decodeTags(value)
			if err != nil {
				return nil, err
			}
			p.tags, p.tagsSet = tags, true

		case string(models.AttrExpiryTime):
			t, err := decodeExpiry(value)
			if err != nil {
				return nil, err
			}
			p.expiry, p.expirySet = t, true

		default:
			if attr, ok := models.LookupAttribute(key); ok {
				storageKey, _ := attr.Key()
				v, null, err := scalar(key, value)
				if err != nil {
					return nil, err
				}
				p.strings = append(p.strings, stringChange{key: storageKey, value: v, null: null})
				continue
			}
			if err := p.custom(key, value); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

func (p *patch) custom(name string, value any) error {
	if name == "" {
		return invalid("custom property names cannot be empty")
	}
	if models.StandardKey(name) {
		return invalid(fmt.Sprintf("%q is a standard field, use its lowercase name", name))
	}
	v, null, err := scalar(name, value)
	if err != nil {
		return err
	}
	p.strings = append(p.strings, stringChange{key: name, value: v, null: null})
	return nil
}

func scalar(key string, value any) (string, bool, error) {
	switch v := value.(type) {
	case nil:
		return "", true, nil
	case string:
		return v, false, nil
	case bool:
		return strconv.FormatBool(v), false, nil
	case int:
		return strconv.Itoa(v), false, nil
	case int64:
		return strconv.FormatInt(v, 10), false, nil
	case uint64:
		return strconv.FormatUint(v, 10), false, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), false, nil
	case time.Time:
		return v.Format(time.RFC3339), false, nil
	}
	return "", false, invalid(fmt.Sprintf("value of %q must be a scalar", key))
}

func decodeAttachments(value any) ([]storage.Attachment, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, invalid("attachments must be a list")
	}
	out := make([]storage.Attachment, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, invalid(fmt.Sprintf("attachment %d must be a mapping", i))
		}
		name, _ := m["filename"].(string)
		if name == "" {
			return nil, invalid(fmt.Sprintf("attachment %d has no filename", i))
		}
		content, ok := m["binary"].(string)
		if !ok {
			return nil, invalid(fmt.Sprintf("attachment %q has no binary", name))
		}
		out = append(out, storage.Attachment{Name: name, Content: decodeBinary(content)})
	}
	return out, nil
}

// decodeBinary treats s as base64 only when it round-trips exactly;
// anything else is taken as raw text.
func decodeBinary(s string) []byte {
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err == nil && base64.StdEncoding.EncodeToString(decoded) == s {
		return decoded
	}
	return []byte(s)
}

func decodeTags(value any) ([]string, error) {
	var tags []string
	switch v := value.(type) {
	case nil:
	case string:
		for _, t := range strings.FieldsFunc(v, func(r rune) bool { return r == ';' || r == ',' }) {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, invalid("tags must be strings")
			}
			if s = strings.TrimSpace(s); s != "" {
				tags = append(tags, s)
			}
		}
	default:
		return nil, invalid("tags must be a list or a string")
	}
	return tags, nil
}

func decodeExpiry(value any) (*time.Time, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case time.Time:
		t := v.UTC()
		return &t, nil
	case string:
		for _, layout := range expiryFormats {
			if t, err := time.Parse(layout, v); err == nil {
				t = t.UTC()
				return &t, nil
			}
		}
	}
	return nil, invalid("expiry_time must be an RFC 3339 timestamp")
}

func invalid(msg string) error {
	return fmt.Errorf("%w - %s", apperr.ErrValidation, msg)
}
