package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/smallbiznis/kpiledger/internal/partition/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCSVKeepsRawLineAndFlagsMalformedRows(t *testing.T) {
	data := []byte("customer_id,customer_name,mobile_number,region,created_at\r\n" +
		"C1,Asha,+91 98765 43210,south,2024-01-01\r\n" +
		"C2,Ravi,9876500000\r\n" +
		"\r\n" +
		"C3,\"Iyer, K\",09876511111,North,01/01/2024\r\n")

	records, err := ReadCSV("customers.csv", data)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "C1,Asha,+91 98765 43210,south,2024-01-01", records[0].Payload)
	assert.Equal(t, "C1", records[0].Field("customer_id"))
	assert.Equal(t, 1, records[0].Index)

	assert.NotEmpty(t, records[1].Malformed)
	assert.Equal(t, "C2,Ravi,9876500000", records[1].Payload)

	assert.Equal(t, "Iyer, K", records[2].Field("customer_name"))
	assert.Equal(t, 3, records[2].Index)
}

func TestReadCSVRequiresHeader(t *testing.T) {
	_, err := ReadCSV("bad.csv", []byte("foo,bar\n1,2\n"))
	assert.ErrorIs(t, err, ErrMissingHeader)

	records, err := ReadCSV("empty.csv", nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestReadXMLNestedAndLegacyItems(t *testing.T) {
	data := []byte(`<?xml version="1.0"?>
<orders>
  <order>
    <order_id>O1</order_id>
    <mobile_number>9876543210</mobile_number>
    <order_date_time>2024-01-01 10:00:00</order_date_time>
    <total_amount>1,000.00</total_amount>
    <status>delivered</status>
    <items><item><sku_id>S1</sku_id><sku_count>2</sku_count></item><item><sku_id>S2</sku_id><sku_count>1</sku_count></item></items>
  </order>
  <order><order_id>O2</order_id><mobile_number>9876543210</mobile_number><order_date_time>2024-01-02</order_date_time><total_amount>500</total_amount><sku_id>S9</sku_id><sku_count>3</sku_count></order>
</orders>`)

	records, err := ReadXML("orders.xml", data)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "O1", records[0].Field("order_id"))
	assert.Equal(t, []RawItem{{SkuID: "S1", Quantity: "2"}, {SkuID: "S2", Quantity: "1"}}, records[0].Items)
	assert.Contains(t, records[0].Payload, "<order>")
	assert.Contains(t, records[0].Payload, "</order>")

	assert.Equal(t, []RawItem{{SkuID: "S9", Quantity: "3"}}, records[1].Items)
	assert.True(t, len(records[1].Payload) > 0 && records[1].Payload[0] == '<')
}

func TestReadXMLSyntaxErrorBecomesMalformed(t *testing.T) {
	data := []byte(`<orders><order><order_id>O1</order_id></order><order><order_id>O2</order_id></orders>`)
	records, err := ReadXML("broken.xml", data)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Empty(t, records[0].Malformed)
	assert.NotEmpty(t, records[1].Malformed)
}

func TestDiscoverSortsAndChecksums(t *testing.T) {
	root := t.TempDir()
	key := domain.Key{SourceType: domain.SourceCustomers, Date: "2024-01-01"}
	dir := PartitionDir(root, key)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.csv"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.CSV"), []byte("y"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("z"), 0o644))

	files, err := Discover(root, key)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.CSV", files[0].Name)
	assert.Equal(t, "9dd4e461268c8034f5c8564e155c67a6", files[1].Checksum)

	first := CombinedChecksum(files)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.csv"), []byte("changed"), 0o644))
	files, err = Discover(root, key)
	require.NoError(t, err)
	assert.NotEqual(t, first, CombinedChecksum(files))

	missing, err := Discover(root, domain.Key{SourceType: domain.SourceOrders, Date: "2024-01-01"})
	require.NoError(t, err)
	assert.Empty(t, missing)

	dates, err := DiscoverDates(root, domain.SourceCustomers)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-01"}, dates)
}
