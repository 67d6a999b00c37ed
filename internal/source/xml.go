package source

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

type xmlItem struct {
	SkuID    string `xml:"sku_id"`
	SkuCount string `xml:"sku_count"`
}

type xmlOrder struct {
	OrderID       string    `xml:"order_id"`
	MobileNumber  string    `xml:"mobile_number"`
	OrderDateTime string    `xml:"order_date_time"`
	TotalAmount   string    `xml:"total_amount"`
	Status        string    `xml:"status"`
	Items         []xmlItem `xml:"items>item"`
	// legacy flat layout
	SkuIDs    []string `xml:"sku_id"`
	SkuCounts []string `xml:"sku_count"`
}

// ReadXML decodes an <orders> document. Each <order> element becomes one
// record whose payload is the element's raw text. A syntax error ends the
// file with a single malformed record covering the undecodable remainder.
func ReadXML(name string, data []byte) ([]RawRecord, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.Strict = true

	var records []RawRecord
	index := 0
	for {
		start := decoder.InputOffset()
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			index++
			records = append(records, RawRecord{
				SourceFile: name,
				Index:      index,
				Payload:    strings.TrimSpace(string(data[start:])),
				Fields:     map[string]string{},
				Malformed:  err.Error(),
			})
			break
		}
		el, ok := tok.(xml.StartElement)
		if !ok || el.Name.Local != "order" {
			continue
		}

		index++
		var order xmlOrder
		decodeErr := decoder.DecodeElement(&order, &el)
		end := decoder.InputOffset()
		if end < start {
			end = start
		}
		payload := strings.TrimSpace(string(data[start:end]))
		if decodeErr != nil {
			records = append(records, RawRecord{
				SourceFile: name,
				Index:      index,
				Payload:    strings.TrimSpace(string(data[start:])),
				Fields:     map[string]string{},
				Malformed:  decodeErr.Error(),
			})
			break
		}
		records = append(records, order.toRecord(name, index, payload))
	}
	return records, nil
}

func (o xmlOrder) toRecord(name string, index int, payload string) RawRecord {
	record := RawRecord{
		SourceFile: name,
		Index:      index,
		Payload:    payload,
		Fields: map[string]string{
			"order_id":        o.OrderID,
			"mobile_number":   o.MobileNumber,
			"order_date_time": o.OrderDateTime,
			"total_amount":    o.TotalAmount,
			"status":          o.Status,
		},
	}
	for _, item := range o.Items {
		record.Items = append(record.Items, RawItem{SkuID: item.SkuID, Quantity: item.SkuCount})
	}
	for i, sku := range o.SkuIDs {
		item := RawItem{SkuID: sku}
		if i < len(o.SkuCounts) {
			item.Quantity = o.SkuCounts[i]
		}
		record.Items = append(record.Items, item)
	}
	return record
}
