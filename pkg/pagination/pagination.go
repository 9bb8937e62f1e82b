package pagination

import (
	"fmt"
	"strconv"

	"telemed-backend/pkg/constants"
)

// Params represents pagination query parameters
type Params struct {
	Page   int
	Limit  int
	Offset int
}

// Page is a paginated response body
type Page struct {
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	Total      int         `json:"total"`
	TotalPages int         `json:"total_pages"`
	Data       interface{} `json:"data"`
}

// ParseParams parses page and limit query values. Missing values fall back
// to page 1 and the default page size; limit is clamped to the maximum.
func ParseParams(pageStr, limitStr string) (*Params, error) {
	page := 1
	limit := constants.DefaultPageSize

	if pageStr != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil {
			return nil, fmt.Errorf("invalid page parameter: %w", err)
		}
		if p > 1 {
			page = p
		}
	}

	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, fmt.Errorf("invalid limit parameter: %w", err)
		}
		switch {
		case l < 1:
			limit = 1
		case l > constants.MaxPageSize:
			limit = constants.MaxPageSize
		default:
			limit = l
		}
	}

	return &Params{
		Page:   page,
		Limit:  limit,
		Offset: (page - 1) * limit,
	}, nil
}

// TotalPages calculates total pages from total count and limit
func TotalPages(total, limit int) int {
	if limit <= 0 {
		return 0
	}
	pages := total / limit
	if total%limit > 0 {
		pages++
	}
	return pages
}

// NewPage builds the paginated response body
func NewPage(params *Params, total int, data interface{}) *Page {
	return &Page{
		Page:       params.Page,
		Limit:      params.Limit,
		Total:      total,
		TotalPages: TotalPages(total, params.Limit),
		Data:       data,
	}
}
