// Package models defines the domain types for kpq.
package models

import "time"

// Entry is the dereferenced projection of a database record.
type Entry struct {
	UUID             string            `json:"uuid"`
	Title            string            `json:"title"`
	Path             string            `json:"path"`
	Username         string            `json:"username"`
	Password         string            `json:"password"`
	URL              *string           `json:"url"`
	Notes            *string           `json:"notes"`
	Tags             []string          `json:"tags,omitempty"`
	ExpiryTime       *time.Time        `json:"expiry_time,omitempty"`
	CustomProperties map[string]string `json:"custom_properties"`
	Attachments      []Attachment      `json:"attachments"`
}

// Attachment describes a file attached to a record. Binary holds the base64
// content and is nil unless files were requested.
type Attachment struct {
	Filename string  `json:"filename"`
	Length   int     `json:"length"`
	Binary   *string `json:"binary"`
}

// Database describes a configured database as exposed to clients.
type Database struct {
	Name      string `json:"name"`
	Location  string `json:"location"`
	Updatable bool   `json:"updatable"`
	Watch     bool   `json:"watch"`
}
