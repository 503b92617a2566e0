package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starford/kpq/internal/audit"
	"github.com/starford/kpq/internal/envelope"
	"github.com/starford/kpq/internal/request"
)

const maxBodyBytes = 10 << 20

// Handler holds API route handlers.
type Handler struct {
	exec    *envelope.Executor
	reveal  bool
	journal AuditLister
}

// NewHandler creates a new Handler.
func NewHandler(exec *envelope.Executor, reveal bool, journal AuditLister) *Handler {
	return &Handler{exec: exec, reveal: reveal, journal: journal}
}

// entryPath extracts the record path from the URL (everything after
// /entries/). Supports encoded slashes from OpenAPI clients.
func entryPath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

func queryBool(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

func (h *Handler) flags(r *http.Request) envelope.Flags {
	return envelope.Flags{
		CheckMode:    queryBool(r, "check"),
		Reveal:       h.reveal,
		IncludeFiles: queryBool(r, "include_files"),
	}
}

// Query handles POST /api/query.
//
//	@Summary		Execute query terms in order
//	@Tags			query
//	@Accept			json
//	@Produce		json
//	@Param			body	body		QueryRequest	true	"Terms to execute"
//	@Success		200		{object}	QueryResponse
//	@Failure		400		{object}	QueryError
//	@Failure		403		{object}	QueryError
//	@Failure		404		{object}	QueryError
//	@Failure		409		{object}	QueryError
//	@Security		BearerAuth
//	@Router			/query [post]
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if len(req.Terms) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("terms are required"))
		return
	}

	flags := envelope.Flags{
		CheckMode:    req.CheckMode,
		FailSilently: req.FailSilently,
		Reveal:       h.reveal,
		IncludeFiles: req.IncludeFiles,
	}

	results := make([]*envelope.Result, 0, len(req.Terms))
	for i, term := range req.Terms {
		res, err := h.exec.ExecuteTerm(r.Context(), req.Database, term, req.ReadOnly, flags)
		if err != nil {
			status := statusFor(err)
			body := QueryError{Index: i, Results: results}
			if status == http.StatusInternalServerError {
				body.errResponse = errorBody("internal error")
			} else {
				body.errResponse = errResponse{Error: err.Error(), Code: request.RuleCode(err)}
			}
			writeJSON(w, status, body)
			return
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, QueryResponse{Results: results})
}

// ListDatabases handles GET /api/databases.
//
//	@Summary		List configured databases
//	@Tags			databases
//	@Produce		json
//	@Success		200	{object}	DatabasesResponse
//	@Security		BearerAuth
//	@Router			/databases [get]
func (h *Handler) ListDatabases(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, DatabasesResponse{Databases: h.exec.Databases()})
}

// GetEntry handles GET /api/databases/{db}/entries/*.
//
//	@Summary		Get a record, or one of its fields
//	@Tags			entries
//	@Produce		json
//	@Param			db		path		string	true	"Database name"
//	@Param			path	path		string	true	"Record path"
//	@Param			field	query		string	false	"Field name"
//	@Param			default	query		string	false	"Value returned when the field is missing"
//	@Success		200		{object}	envelope.Result
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/databases/{db}/entries/{path} [get]
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := &request.Request{
		Action: request.ActionGet,
		Path:   entryPath(r),
		Field:  q.Get("field"),
	}
	if q.Has("default") {
		req.Value, req.ValueProvided = q.Get("default"), true
	}
	h.execute(w, r, req, http.StatusOK)
}

// CreateEntry handles POST /api/databases/{db}/entries/*.
//
//	@Summary		Create a record
//	@Tags			entries
//	@Accept			json
//	@Produce		json
//	@Param			db		path		string			true	"Database name"
//	@Param			path	path		string			true	"Record path"
//	@Param			body	body		map[string]any	true	"Record fields"
//	@Success		201		{object}	envelope.Result
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/databases/{db}/entries/{path} [post]
func (h *Handler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	h.upsert(w, r, request.ActionPost, http.StatusCreated)
}

// UpdateEntry handles PUT /api/databases/{db}/entries/*.
//
//	@Summary		Create or update a record
//	@Tags			entries
//	@Accept			json
//	@Produce		json
//	@Param			db		path		string			true	"Database name"
//	@Param			path	path		string			true	"Record path"
//	@Param			body	body		map[string]any	true	"Record fields"
//	@Success		200		{object}	envelope.Result
//	@Security		BearerAuth
//	@Router			/databases/{db}/entries/{path} [put]
func (h *Handler) UpdateEntry(w http.ResponseWriter, r *http.Request) {
	h.upsert(w, r, request.ActionPut, http.StatusOK)
}

func (h *Handler) upsert(w http.ResponseWriter, r *http.Request, action request.Action, status int) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	req := &request.Request{
		Action:        action,
		Path:          entryPath(r),
		Value:         body,
		ValueProvided: true,
	}
	h.execute(w, r, req, status)
}

// DeleteEntry handles DELETE /api/databases/{db}/entries/*.
//
//	@Summary		Delete a record, or clear one of its fields
//	@Tags			entries
//	@Produce		json
//	@Param			db		path		string	true	"Database name"
//	@Param			path	path		string	true	"Record path"
//	@Param			field	query		string	false	"Field name"
//	@Success		200		{object}	envelope.Result
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/databases/{db}/entries/{path} [delete]
func (h *Handler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	req := &request.Request{
		Action: request.ActionDelete,
		Path:   entryPath(r),
		Field:  r.URL.Query().Get("field"),
	}
	h.execute(w, r, req, http.StatusOK)
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request, req *request.Request, status int) {
	res, err := h.exec.Execute(r.Context(), chi.URLParam(r, "db"), req, h.flags(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if status == http.StatusCreated && !res.Changed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// Audit handles GET /api/audit.
//
//	@Summary		List executed requests, newest first
//	@Tags			audit
//	@Produce		json
//	@Param			database	query		string	false	"Database name"
//	@Param			since		query		string	false	"RFC 3339 lower bound"
//	@Param			limit		query		int		false	"Max records"
//	@Success		200			{object}	AuditResponse
//	@Security		BearerAuth
//	@Router			/audit [get]
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{Database: q.Get("database")}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("since must be an RFC 3339 timestamp"))
			return
		}
		f.Since = &t
	}

	records, err := h.journal.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, AuditResponse{Records: records})
}
