package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nidsguard/internal/model"
)

func TestPrintResults(t *testing.T) {
	at := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	err := printResults(&buf, []model.PredictionResult{
		{ModelID: "ddos-detector", Label: model.LabelThreat, Confidence: 0.9312, Source: model.SourceRemote, ProducedAt: at},
		{ModelID: "port-scan-detector", Label: model.LabelBenign, Confidence: 0.8, Source: model.SourceFallback, ProducedAt: at, FallbackReason: "status 503"},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "MODEL"))
	assert.Contains(t, lines[1], "THREAT")
	assert.Contains(t, lines[1], "0.931")
	assert.Contains(t, lines[1], "2026-04-02T09:30:00Z")
	assert.Contains(t, lines[2], "BENIGN")
	assert.Contains(t, lines[2], "status 503")
}

func TestPredictRejectsZeroCount(t *testing.T) {
	predictCount = 0
	defer func() { predictCount = 1 }()
	err := predictCmd.RunE(predictCmd, nil)
	assert.Error(t, err)
}
