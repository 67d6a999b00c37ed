package main

import (
	"bytes"
	"encoding/json"
	"testing"

	partitiondomain "github.com/smallbiznis/kpiledger/internal/partition/domain"
	"github.com/smallbiznis/kpiledger/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSources(t *testing.T) {
	all, err := parseSources("all")
	require.NoError(t, err)
	assert.Equal(t, []partitiondomain.SourceType{partitiondomain.SourceCustomers, partitiondomain.SourceOrders}, all)

	orders, err := parseSources(" Orders ")
	require.NoError(t, err)
	assert.Equal(t, []partitiondomain.SourceType{partitiondomain.SourceOrders}, orders)

	_, err = parseSources("invoices")
	assert.ErrorIs(t, err, partitiondomain.ErrInvalidSourceType)
}

func TestWriteSummaryOfEmptyRun(t *testing.T) {
	var buf bytes.Buffer
	rep := &pipeline.Report{RunID: "42", CorrelationID: "01HX", Command: pipeline.CommandKPI}
	require.NoError(t, writeSummary(&buf, rep))

	var got runSummary
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "42", got.RunID)
	assert.Equal(t, "kpi", got.Command)
	assert.Empty(t, got.Partitions)
	assert.Empty(t, got.Error)
}

func TestCommandsAreRegistered(t *testing.T) {
	for _, name := range []string{"ingest", "backfill", "kpi", "serve"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	assert.NotNil(t, backfillCmd.Flags().Lookup("resume"))
	assert.NotNil(t, ingestCmd.Flags().Lookup("force"))
	assert.NotNil(t, ingestCmd.Flags().Lookup("all-dates"))
	assert.Empty(t, ingestCmd.Flags().Lookup("date").DefValue)
}
