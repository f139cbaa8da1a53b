// query.go normalizes listing parameters into the bounded, deterministic
// filter the repository executes. Out-of-range values are clamped or fall
// back to defaults — never an error: listing is a read path and should stay
// forgiving.
package keys

import (
	"strings"
	"time"

	"github.com/credential-registry/credential-registry/internal/db/repositories"
)

const (
	minPageLimit     = 1
	maxPageLimit     = 100
	defaultSortBy    = "created_at"
	defaultSortOrder = "desc"
)

// sortableFields is the ORDER BY allow-list. Any other value silently falls
// back to created_at.
var sortableFields = map[string]bool{
	"created_at":  true,
	"updated_at":  true,
	"expiry_date": true,
	"name":        true,
	"is_active":   true,
}

// ListParams are the raw listing inputs as received from the caller.
type ListParams struct {
	ClientID       string
	Status         string
	Search         string
	Page           int
	Limit          int
	SortBy         string
	SortOrder      string
	IncludeDeleted bool
}

// Pagination describes the result window. Total is counted post-filter,
// pre-limit.
type Pagination struct {
	Page        int  `json:"page"`
	Limit       int  `json:"limit"`
	Total       int  `json:"total"`
	TotalPages  int  `json:"total_pages"`
	HasNext     bool `json:"has_next"`
	HasPrevious bool `json:"has_previous"`
}

// normalize clamps and defaults the raw parameters and produces the store
// filter. The returned page/limit are the effective values used for the
// pagination envelope.
func (p ListParams) normalize(now time.Time) (repositories.KeyFilter, int, int) {
	page := p.Page
	if page < 1 {
		page = 1
	}

	limit := p.Limit
	if limit < minPageLimit {
		limit = minPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	sortBy := strings.ToLower(strings.TrimSpace(p.SortBy))
	if !sortableFields[sortBy] {
		sortBy = defaultSortBy
	}

	sortOrder := strings.ToLower(strings.TrimSpace(p.SortOrder))
	if sortOrder != "asc" && sortOrder != "desc" {
		sortOrder = defaultSortOrder
	}

	return repositories.KeyFilter{
		ClientID:       strings.TrimSpace(p.ClientID),
		Status:         strings.ToLower(strings.TrimSpace(p.Status)),
		Search:         strings.TrimSpace(p.Search),
		IncludeDeleted: p.IncludeDeleted,
		SortBy:         sortBy,
		SortOrder:      sortOrder,
		Limit:          limit,
		Offset:         (page - 1) * limit,
		Now:            now,
	}, page, limit
}

// paginate derives the pagination envelope from the effective window and the
// pre-limit total.
func paginate(page, limit, total int) Pagination {
	totalPages := 0
	if total > 0 {
		totalPages = (total + limit - 1) / limit
	}
	return Pagination{
		Page:        page,
		Limit:       limit,
		Total:       total,
		TotalPages:  totalPages,
		HasNext:     page < totalPages,
		HasPrevious: page > 1,
	}
}
