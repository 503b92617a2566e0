package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tobischo/gokeepasslib/v3"
	w "github.com/tobischo/gokeepasslib/v3/wrappers"
)

type kdbxEntry struct {
	kdbx *KDBX
	raw  *gokeepasslib.Entry
	path []string
}

func (e *kdbxEntry) ID() uuid.UUID       { return uuid.UUID(e.raw.UUID) }
func (e *kdbxEntry) GroupPath() []string { return e.path }

func (e *kdbxEntry) Get(key string) (string, bool) {
	for _, v := range e.raw.Values {
		if v.Key == key {
			return v.Value.Content, true
		}
	}
	return "", false
}

func (e *kdbxEntry) Set(key, value string) {
	for i := range e.raw.Values {
		if e.raw.Values[i].Key == key {
			e.raw.Values[i].Value.Content = value
			return
		}
	}
	e.raw.Values = append(e.raw.Values, gokeepasslib.ValueData{
		Key: key,
		Value: gokeepasslib.V{
			Content:   value,
			Protected: w.NewBoolWrapper(key == "Password"),
		},
	})
}

func (e *kdbxEntry) Unset(key string) bool {
	for i := range e.raw.Values {
		if e.raw.Values[i].Key == key {
			e.raw.Values = append(e.raw.Values[:i], e.raw.Values[i+1:]...)
			return true
		}
	}
	return false
}

func (e *kdbxEntry) Keys() []string {
	keys := make([]string, 0, len(e.raw.Values))
	for _, v := range e.raw.Values {
		keys = append(keys, v.Key)
	}
	return keys
}

func (e *kdbxEntry) Tags() []string {
	return splitTags(e.raw.Tags)
}

func (e *kdbxEntry) SetTags(tags []string) {
	e.raw.Tags = strings.Join(tags, ";")
}

func (e *kdbxEntry) Expiry() (time.Time, bool) {
	if !e.raw.Times.Expires.Bool || e.raw.Times.ExpiryTime == nil {
		return time.Time{}, false
	}
	return e.raw.Times.ExpiryTime.Time, true
}

func (e *kdbxEntry) SetExpiry(t *time.Time) {
	if t == nil {
		e.raw.Times.Expires = w.NewBoolWrapper(false)
		return
	}
	e.raw.Times.Expires = w.NewBoolWrapper(true)
	e.raw.Times.ExpiryTime = &w.TimeWrapper{Formatted: true, Time: t.UTC()}
}

func (e *kdbxEntry) Attachments() ([]Attachment, error) {
	out := make([]Attachment, 0, len(e.raw.Binaries))
	for _, ref := range e.raw.Binaries {
		content, err := e.kdbx.binary(ref)
		if err != nil {
			return nil, fmt.Errorf("storage: attachment %q: %w", ref.Name, err)
		}
		out = append(out, Attachment{Name: ref.Name, Content: content})
	}
	return out, nil
}

// AddAttachment adds content to the binary pool and points name at it. A
// replaced blob stays in the pool since history snapshots may refer to it.
func (e *kdbxEntry) AddAttachment(name string, content []byte) error {
	e.RemoveAttachment(name)
	bin := e.kdbx.db.AddBinary(content)
	if bin == nil {
		return fmt.Errorf("storage: could not store attachment %q", name)
	}
	e.raw.Binaries = append(e.raw.Binaries, bin.CreateReference(name))
	return nil
}

func (e *kdbxEntry) RemoveAttachment(name string) bool {
	for i := range e.raw.Binaries {
		if e.raw.Binaries[i].Name == name {
			e.raw.Binaries = append(e.raw.Binaries[:i], e.raw.Binaries[i+1:]...)
			return true
		}
	}
	return false
}

func (e *kdbxEntry) SaveHistory() {
	snapshot := *e.raw
	snapshot.Values = append([]gokeepasslib.ValueData(nil), e.raw.Values...)
	snapshot.Binaries = append([]gokeepasslib.BinaryReference(nil), e.raw.Binaries...)
	snapshot.Histories = nil

	if len(e.raw.Histories) == 0 {
		e.raw.Histories = append(e.raw.Histories, gokeepasslib.History{})
	}
	e.raw.Histories[0].Entries = append(e.raw.Histories[0].Entries, snapshot)
}

func (e *kdbxEntry) Revisions() int {
	n := 0
	for _, h := range e.raw.Histories {
		n += len(h.Entries)
	}
	return n
}

func (e *kdbxEntry) Touch() {
	now := w.Now()
	e.raw.Times.LastModificationTime = &now
	accessed := now
	e.raw.Times.LastAccessTime = &accessed
}

func content(e *gokeepasslib.Entry, key string) string {
	for _, v := range e.Values {
		if v.Key == key {
			return v.Value.Content
		}
	}
	return ""
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' }) {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
