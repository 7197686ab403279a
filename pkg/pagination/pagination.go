package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts pagination parameters from the echo context.
func FromContext(c echo.Context) Params {
	return FromValues(c.QueryParams())
}

// FromValues reads _count/limit and _offset/offset, clamping the limit to
// MaxLimit.
func FromValues(q url.Values) Params {
	limit, _ := strconv.Atoi(q.Get("_count"))
	if limit <= 0 {
		limit, _ = strconv.Atoi(q.Get("limit"))
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(q.Get("_offset"))
	if offset <= 0 {
		offset, _ = strconv.Atoi(q.Get("offset"))
	}
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Fetch is the row count to request from the store: one more than Limit so
// Page can tell whether another page exists.
func (p Params) Fetch() int {
	return p.Limit + 1
}

// Page trims items fetched with Fetch() down to Limit.
func Page[T any](items []T, p Params) ([]T, bool) {
	if len(items) > p.Limit {
		return items[:p.Limit], true
	}
	return items, false
}

// Response wraps a paginated API response.
type Response struct {
	Items   interface{} `json:"items"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"hasMore"`
}

func NewResponse(items interface{}, p Params, hasMore bool) *Response {
	return &Response{
		Items:   items,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: hasMore,
	}
}
