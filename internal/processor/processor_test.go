package processor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go-stream-processor/internal/apperr"
	"go-stream-processor/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func testRecord(payload string) *models.Record {
	return &models.Record{
		Topic:     "metrics",
		Partition: 2,
		Offset:    17,
		Key:       []byte("host-1"),
		Payload:   []byte(payload),
		Timestamp: fixedNow.UnixMilli(),
	}
}

func TestMessageID_StablePerIdentity(t *testing.T) {
	a := testRecord(`{}`)
	b := testRecord(`{"other":true}`)
	c := testRecord(`{}`)
	c.Offset++

	assert.Equal(t, MessageID(a), MessageID(b))
	assert.NotEqual(t, MessageID(a), MessageID(c))
}

func TestJSONEnrich(t *testing.T) {
	proc := JSONEnrich(Options{Version: "1.2.3", Now: func() time.Time { return fixedNow }})

	msg, err := proc.Process(context.Background(), testRecord(`{"name":"cpu","value":0.5}`))
	require.NoError(t, err)

	assert.Equal(t, MessageID(testRecord(`{}`)), msg.ID)
	assert.JSONEq(t, `{"name":"cpu","value":0.5}`, string(msg.OriginalMessage))
	assert.Equal(t, models.ProcessingMetadata{
		ProcessedAt:      fixedNow,
		ProcessorVersion: "1.2.3",
		SourceTopic:      "metrics",
		Partition:        2,
		Offset:           17,
	}, msg.Metadata)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.ProcessedMessage, &out))
	assert.Equal(t, "cpu", out["name"])
	assert.Equal(t, "host-1", out["_key"])
	meta := out["_processing"].(map[string]interface{})
	assert.Equal(t, "metrics", meta["source_topic"])
	assert.Equal(t, float64(17), meta["offset"])
}

func TestJSONEnrich_RejectsNonObjects(t *testing.T) {
	proc := JSONEnrich(Options{})

	for _, payload := range []string{`not json`, `null`, `[1,2]`} {
		_, err := proc.Process(context.Background(), testRecord(payload))
		require.Error(t, err, payload)
		assert.True(t, apperr.IsPermanent(err), payload)
	}
}

func TestPassthrough(t *testing.T) {
	proc := Passthrough(Options{Version: "v"})

	msg, err := proc.Process(context.Background(), testRecord(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(msg.ProcessedMessage))

	msg, err = proc.Process(context.Background(), testRecord(`plain text`))
	require.NoError(t, err)
	assert.Equal(t, `"plain text"`, string(msg.OriginalMessage))
}

func TestLookup(t *testing.T) {
	_, err := Lookup("json-enrich", Options{})
	assert.NoError(t, err)

	_, err = Lookup("nope", Options{})
	assert.ErrorContains(t, err, "unknown processor")
	assert.Equal(t, []string{"json-enrich", "passthrough"}, Names())
}
