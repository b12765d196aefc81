package api

import (
	"math"
	"net/http"
	"strconv"
)

// PaginationParams holds parsed pagination values from query params.
type PaginationParams struct {
	Page   int
	Limit  int
	Offset int
}

// PaginatedResponse wraps any list data with pagination metadata.
type PaginatedResponse struct {
	Data       any            `json:"data"`
	Pagination PaginationMeta `json:"pagination"`
}

// PaginationMeta contains pagination metadata for the response. Total and
// TotalPages are omitted for listings that are not counted.
type PaginationMeta struct {
	Page       int    `json:"page"`
	Limit      int    `json:"limit"`
	Total      *int64 `json:"total,omitempty"`
	TotalPages int    `json:"total_pages,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// ParsePagination extracts page and limit from query params with defaults.
// maxLimit caps the limit.
func ParsePagination(r *http.Request, defaultLimit, maxLimit int) PaginationParams {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	return PaginationParams{
		Page:   page,
		Limit:  limit,
		Offset: (page - 1) * limit,
	}
}

// NewPaginatedResponse builds a PaginatedResponse from data, params, and total count.
func NewPaginatedResponse(data any, params PaginationParams, total int64) PaginatedResponse {
	totalPages := int(math.Ceil(float64(total) / float64(params.Limit)))
	if totalPages < 1 {
		totalPages = 1
	}

	return PaginatedResponse{
		Data: data,
		Pagination: PaginationMeta{
			Page:       params.Page,
			Limit:      params.Limit,
			Total:      &total,
			TotalPages: totalPages,
			HasMore:    params.Page < totalPages,
		},
	}
}

// pageOf builds a response for an uncounted listing that was fetched with
// one extra row to detect a following page.
func pageOf[T any](rows []T, params PaginationParams) PaginatedResponse {
	more := len(rows) > params.Limit
	if more {
		rows = rows[:params.Limit]
	}
	if rows == nil {
		rows = []T{}
	}
	return PaginatedResponse{
		Data: rows,
		Pagination: PaginationMeta{
			Page:    params.Page,
			Limit:   params.Limit,
			HasMore: more,
		},
	}
}
