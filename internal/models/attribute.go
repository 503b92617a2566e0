package models

// Attribute is a standard record attribute addressable by name.
type Attribute string

const (
	AttrTitle      Attribute = "title"
	AttrUsername   Attribute = "username"
	AttrPassword   Attribute = "password"
	AttrURL        Attribute = "url"
	AttrNotes      Attribute = "notes"
	AttrTags       Attribute = "tags"
	AttrExpiryTime Attribute = "expiry_time"
)

// KeePass string keys of the standard attributes.
const (
	KeyTitle    = "Title"
	KeyUsername = "UserName"
	KeyPassword = "Password"
	KeyURL      = "URL"
	KeyNotes    = "Notes"
)

var attributeKeys = map[Attribute]string{
	AttrTitle:    KeyTitle,
	AttrUsername: KeyUsername,
	AttrPassword: KeyPassword,
	AttrURL:      KeyURL,
	AttrNotes:    KeyNotes,
}

// LookupAttribute maps a field name to a standard attribute.
func LookupAttribute(name string) (Attribute, bool) {
	switch a := Attribute(name); a {
	case AttrTitle, AttrUsername, AttrPassword, AttrURL, AttrNotes, AttrTags, AttrExpiryTime:
		return a, true
	}
	return "", false
}

// Key returns the string key the attribute is stored under. Tags and
// expiry time are not string fields and return false.
func (a Attribute) Key() (string, bool) {
	k, ok := attributeKeys[a]
	return k, ok
}

// StandardKey reports whether key is one of the standard string keys,
// i.e. not a custom property.
func StandardKey(key string) bool {
	switch key {
	case KeyTitle, KeyUsername, KeyPassword, KeyURL, KeyNotes:
		return true
	}
	return false
}
