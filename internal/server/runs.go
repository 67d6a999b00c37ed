package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
	"github.com/smallbiznis/kpiledger/pkg/db/pagination"
)

const maxRunsPageSize = 250

type listRunsRequest struct {
	pagination.Pagination
	SourceType string `form:"source_type"`
	From       string `form:"from"`
	To         string `form:"to"`
	RunID      string `form:"run_id"`
	Status     string `form:"status"`
}

type listRunsResponse struct {
	Data     []partitiondomain.Attempt `json:"data"`
	PageInfo pagination.PageInfo       `json:"page_info"`
}

// ListRuns pages through ingestion attempts, newest first.
func (s *Server) ListRuns(c *gin.Context) {
	var req listRunsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if req.PageSize < 1 || req.PageSize > maxRunsPageSize {
		AbortWithError(c, newValidationError("page_size", "out_of_range", "page_size must be between 1 and 250"))
		return
	}

	filter, err := req.filter()
	if err != nil {
		AbortWithError(c, err)
		return
	}
	// one extra row tells whether another page exists
	filter.Limit = req.PageSize + 1

	attempts, err := s.ledger.History(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	rows := make([]*partitiondomain.Attempt, len(attempts))
	for i := range attempts {
		rows[i] = &attempts[i]
	}
	info := pagination.BuildCursorPageInfo(rows, int32(req.PageSize), func(a *partitiondomain.Attempt) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: a.ID.String()})
		return token
	})
	if !info.HasMore {
		info.NextPageToken = ""
	}
	if len(attempts) > req.PageSize {
		attempts = attempts[:req.PageSize]
	}
	if attempts == nil {
		attempts = []partitiondomain.Attempt{}
	}

	c.JSON(http.StatusOK, listRunsResponse{Data: attempts, PageInfo: *info})
}

func (r listRunsRequest) filter() (partitiondomain.HistoryFilter, error) {
	var filter partitiondomain.HistoryFilter

	sourceType, err := parseOptionalSourceType(r.SourceType)
	if err != nil {
		return filter, err
	}
	from, err := parseOptionalDate(r.From)
	if err != nil {
		return filter, newValidationError("from", "invalid_date", "from must be YYYY-MM-DD")
	}
	to, err := parseOptionalDate(r.To)
	if err != nil {
		return filter, newValidationError("to", "invalid_date", "to must be YYYY-MM-DD")
	}
	if from != "" && to != "" && from > to {
		return filter, newValidationError("from", "invalid_range", "from must not be after to")
	}
	statuses, err := parseStatuses(r.Status)
	if err != nil {
		return filter, newValidationError("status", err.Error(), "unknown status")
	}

	filter.SourceType = sourceType
	filter.From = from
	filter.To = to
	filter.RunID = strings.TrimSpace(r.RunID)
	filter.Statuses = statuses

	if token := strings.TrimSpace(r.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return filter, newValidationError("page_token", "invalid_page_token", "malformed page token")
		}
		id, err := parseOptionalSnowflakeID(cursor.ID)
		if err != nil || id == nil {
			return filter, newValidationError("page_token", "invalid_page_token", "malformed page token")
		}
		filter.AfterID = id.Int64()
	}
	return filter, nil
}
