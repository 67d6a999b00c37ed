package server

import (
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
)

const dateOnlyLayout = "2006-01-02"

func parseOptionalDate(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", nil
	}
	if _, err := time.Parse(dateOnlyLayout, trimmed); err != nil {
		return "", partitiondomain.ErrInvalidDate
	}
	return trimmed, nil
}

func parseOptionalSnowflakeID(value string) (*snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := snowflake.ParseString(trimmed)
	if err != nil || parsed <= 0 {
		return nil, errors.New("invalid_snowflake_id")
	}
	return &parsed, nil
}

func parseOptionalSourceType(value string) (partitiondomain.SourceType, error) {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return "", nil
	}
	return partitiondomain.ParseSourceType(trimmed)
}

// parseStatuses accepts a comma separated list, e.g. "committed,reconciled".
func parseStatuses(value string) ([]partitiondomain.Status, error) {
	var out []partitiondomain.Status
	for _, part := range strings.Split(value, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		status := partitiondomain.Status(part)
		if !status.Valid() {
			return nil, errors.New("invalid_status")
		}
		out = append(out, status)
	}
	return out, nil
}
