package pipedrive

import (
	"encoding/json"
	"net/http"
	"time"
)

// TimeFormat is the CRM's wire format for timestamps, always UTC.
const TimeFormat = "2006-01-02 15:04:05"

// envelope is the CRM's response wrapper.
type envelope struct {
	Success        *bool           `json:"success"`
	Data           json.RawMessage `json:"data"`
	Error          string          `json:"error"`
	ErrorInfo      string          `json:"error_info"`
	AdditionalData *AdditionalData `json:"additional_data"`
}

// AdditionalData carries pagination and collection summary metadata.
type AdditionalData struct {
	Pagination *Pagination `json:"pagination"`
	Summary    *Summary    `json:"summary"`
}

// Pagination is the CRM's offset cursor. NextStart is only meaningful
// when MoreItemsInCollection is true.
type Pagination struct {
	Start                 int  `json:"start"`
	Limit                 int  `json:"limit"`
	MoreItemsInCollection bool `json:"more_items_in_collection"`
	NextStart             int  `json:"next_start"`
}

// Summary reports the collection size on endpoints that provide one.
type Summary struct {
	TotalCount int `json:"total_count"`
}

// Request is one logical CRM call. The zero value of optional fields
// means: GET, no query, no caching, limiter keyed by workspace.
type Request struct {
	Method string
	Path   string
	Query  map[string]any
	Header http.Header
	Body   any
	// Cache opts a GET into read-through caching; CacheTTL <= 0 uses the
	// cache's default TTL.
	Cache    bool
	CacheTTL time.Duration
	// RateKey overrides the limiter key for this request.
	RateKey string
	// IfMatch carries the known version for optimistic concurrency. A
	// 412 response surfaces as VersionConflictError without retry.
	IfMatch string
}

// Response is a decoded CRM response. Data holds the raw payload under
// the envelope's "data" key; Total is -1 unless the endpoint reported a
// collection size.
type Response struct {
	StatusCode int
	Header     http.Header
	Data       json.RawMessage
	Pagination *Pagination
	Total      int
	FromCache  bool
}

// ChangelogEntry is one normalized tuple from the change feed.
type ChangelogEntry struct {
	ID        int64   `json:"id"`
	Object    string  `json:"object"`
	Action    string  `json:"action"`
	Timestamp crmTime `json:"timestamp"`
}

// When returns the entry timestamp as a time.Time.
func (e ChangelogEntry) When() time.Time {
	return time.Time(e.Timestamp)
}

// ChangelogPage is one page of the change feed.
type ChangelogPage struct {
	Entries   []ChangelogEntry
	NextStart int
	More      bool
}

// crmTime decodes the CRM's "2006-01-02 15:04:05" timestamps, falling
// back to RFC 3339 for feeds that emit it.
type crmTime time.Time

func (t *crmTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	*t = crmTime(parsed)
	return nil
}

func (t crmTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(TimeFormat))
}

// ParseTime parses a CRM timestamp in either wire format.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(TimeFormat, s); err == nil {
		return parsed.UTC(), nil
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

// FormatTime renders t in the CRM's wire format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}
