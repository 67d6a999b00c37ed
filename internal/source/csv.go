package source

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// CustomerColumns is the expected customer CSV header.
var CustomerColumns = []string{"customer_id", "customer_name", "mobile_number", "region", "created_at"}

var ErrMissingHeader = errors.New("csv_missing_header")

// ReadCSV decodes a customer CSV. Rows whose column count differs from the
// header become malformed records rather than failing the file.
func ReadCSV(name string, data []byte) ([]RawRecord, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w: %v", name, ErrMissingHeader, err)
	}
	columns := make([]string, len(header))
	for i, col := range header {
		columns[i] = strings.ToLower(strings.TrimSpace(col))
	}
	if !hasColumn(columns, "customer_id") && !hasColumn(columns, "mobile_number") {
		return nil, fmt.Errorf("%s: %w: got %v", name, ErrMissingHeader, header)
	}

	var records []RawRecord
	offset := reader.InputOffset()
	index := 0
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		end := reader.InputOffset()
		payload := strings.Trim(string(data[offset:end]), "\r\n")
		offset = end
		index++

		record := RawRecord{SourceFile: name, Index: index, Payload: payload, Fields: map[string]string{}}
		if err != nil {
			record.Malformed = err.Error()
			records = append(records, record)
			continue
		}
		if isBlank(row) {
			index--
			continue
		}
		if len(row) != len(columns) {
			record.Malformed = fmt.Sprintf("expected %d columns, got %d", len(columns), len(row))
			records = append(records, record)
			continue
		}
		for i, col := range columns {
			record.Fields[col] = row[i]
		}
		records = append(records, record)
	}
	return records, nil
}

func hasColumn(columns []string, name string) bool {
	for _, col := range columns {
		if col == name {
			return true
		}
	}
	return false
}

func isBlank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
