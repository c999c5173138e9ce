package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset=, clamping the limit to MaxLimit.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Probe is the row count to request from a store: one past the page, so
// Trim can tell whether another page exists without a COUNT query.
func (p Params) Probe() int { return p.Limit + 1 }

// Trim cuts items fetched with Probe down to the page.
func Trim[T any](items []T, p Params) ([]T, bool) {
	if len(items) > p.Limit {
		return items[:p.Limit], true
	}
	return items, false
}

// Response wraps a paginated API response.
type Response struct {
	Data       interface{} `json:"data"`
	Limit      int         `json:"limit"`
	Offset     int         `json:"offset"`
	HasMore    bool        `json:"has_more"`
	NextOffset int         `json:"next_offset,omitempty"`
}

func NewResponse(data interface{}, p Params, hasMore bool) *Response {
	r := &Response{
		Data:    data,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: hasMore,
	}
	if hasMore {
		r.NextOffset = p.Offset + p.Limit
	}
	return r
}
