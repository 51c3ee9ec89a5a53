package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/hyperengineering/pipesync/internal/conflict"
	"github.com/hyperengineering/pipesync/internal/pipedrive"
	"github.com/hyperengineering/pipesync/internal/storage"
	"github.com/hyperengineering/pipesync/internal/validation"
	"github.com/hyperengineering/pipesync/internal/workspace"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusUnauthorized: {
		typeURI: "https://pipesync.dev/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: "https://pipesync.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://pipesync.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusForbidden: {
		typeURI: "https://pipesync.dev/errors/forbidden",
		title:   "Forbidden",
	},
	http.StatusConflict: {
		typeURI: "https://pipesync.dev/errors/conflict",
		title:   "Conflict",
	},
	http.StatusPreconditionFailed: {
		typeURI: "https://pipesync.dev/errors/stale-version",
		title:   "Precondition Failed",
	},
	http.StatusUnprocessableEntity: {
		typeURI: "https://pipesync.dev/errors/validation-error",
		title:   "Validation Error",
	},
	http.StatusTooManyRequests: {
		typeURI: "https://pipesync.dev/errors/rate-limit",
		title:   "Too Many Requests",
	},
	http.StatusInternalServerError: {
		typeURI: "https://pipesync.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
	http.StatusBadGateway: {
		typeURI: "https://pipesync.dev/errors/upstream-error",
		title:   "Bad Gateway",
	},
	http.StatusServiceUnavailable: {
		typeURI: "https://pipesync.dev/errors/service-unavailable",
		title:   "Service Unavailable",
	},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt = struct {
			typeURI string
			title   string
		}{
			typeURI: "https://pipesync.dev/errors/unknown",
			title:   http.StatusText(status),
		}
	}

	p := Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	pt := problemTypes[http.StatusUnprocessableEntity]

	p := ProblemWithErrors{
		Problem: Problem{
			Type:     pt.typeURI,
			Title:    pt.title,
			Status:   http.StatusUnprocessableEntity,
			Detail:   detail,
			Instance: r.URL.Path,
		},
		Errors: errs,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// MapDomainError converts domain errors to Problem Details responses.
// Upstream CRM failures surface as 502 so callers can tell a broken
// proxy target from a broken proxy.
func MapDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *pipedrive.ValidationError
		rateLimitErr  *pipedrive.RateLimitError
		versionErr    *pipedrive.VersionConflictError
		networkErr    *pipedrive.NetworkError
		apiErr        *pipedrive.APIError
	)

	switch {
	case errors.Is(err, storage.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
	case errors.Is(err, workspace.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Workspace not found")
	case errors.Is(err, workspace.ErrInvalidID):
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, workspace.ErrExists):
		WriteProblem(w, r, http.StatusConflict, "Workspace already exists")
	case errors.Is(err, workspace.ErrProtected):
		WriteProblem(w, r, http.StatusForbidden, "The default workspace cannot be deleted")
	case errors.Is(err, conflict.ErrAlreadyResolved):
		WriteProblem(w, r, http.StatusConflict, "Conflict already resolved")
	case errors.As(err, &validationErr):
		WriteProblemWithErrors(w, r, "Record failed CRM field validation", validationErr.Fields)
	case errors.As(err, &rateLimitErr):
		if rateLimitErr.RetryAfter > 0 {
			secs := int(math.Ceil(rateLimitErr.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		WriteProblem(w, r, http.StatusTooManyRequests, "CRM rate limit exceeded")
	case errors.As(err, &versionErr):
		WriteProblem(w, r, http.StatusPreconditionFailed, "Record was modified by another writer")
	case errors.As(err, &networkErr):
		WriteProblem(w, r, http.StatusBadGateway, "CRM is unreachable")
	case errors.As(err, &apiErr):
		WriteProblem(w, r, http.StatusBadGateway, "CRM rejected the request")
	default:
		// Never expose internal error details to client
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
