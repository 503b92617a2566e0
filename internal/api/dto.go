package api

import (
	"github.com/starford/kpq/internal/audit"
	"github.com/starford/kpq/internal/envelope"
	"github.com/starford/kpq/internal/models"
)

// QueryRequest is the request body for POST /api/query.
type QueryRequest struct {
	Database     string   `json:"database" example:"main"`
	Terms        []string `json:"terms" example:"get://one/two/test?username" validate:"required"`
	ReadOnly     bool     `json:"read_only"`
	CheckMode    bool     `json:"check_mode"`
	FailSilently bool     `json:"fail_silently"`
	IncludeFiles bool     `json:"include_files"`
}

// QueryResponse holds one result per executed term.
type QueryResponse struct {
	Results []*envelope.Result `json:"results" validate:"required"`
}

// QueryError is returned when a term fails and fail-silent was not set.
// Results holds the terms executed before it.
type QueryError struct {
	errResponse
	Index   int                `json:"index"`
	Results []*envelope.Result `json:"results"`
}

// DatabasesResponse lists the configured databases.
type DatabasesResponse struct {
	Databases []models.Database `json:"databases" validate:"required"`
}

// AuditResponse lists journal records, newest first.
type AuditResponse struct {
	Records []audit.Record `json:"records" validate:"required"`
}
