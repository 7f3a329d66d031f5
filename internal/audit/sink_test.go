package audit

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/org/keygate/pkg/models"
)

// memSink collects entries for assertions.
type memSink struct {
	mu      sync.Mutex
	entries []*models.AuditEntry
}

func (m *memSink) Record(_ context.Context, e *models.AuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *memSink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type failingWriter struct{ calls int }

func (f *failingWriter) WriteAuditEntry(context.Context, *models.AuditEntry) error {
	f.calls++
	return errors.New("disk full")
}

func sampleEntry() *models.AuditEntry {
	key := models.MaskKey("test-api-key-12345")
	return &models.AuditEntry{
		RequestID:      "req-1",
		Timestamp:      time.Unix(1700000000, 0).UTC(),
		APIKey:         &key,
		Method:         "GET",
		Endpoint:       "/v1/protected",
		Status:         200,
		ResponseTimeMs: 2.5,
		ClientIP:       "10.0.0.1",
		UserAgent:      "curl/8",
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(zerolog.New(&buf))

	s.Record(context.Background(), sampleEntry())

	line := buf.String()
	assert.Equal(t, "api_audit", gjson.Get(line, "message").String())
	assert.Equal(t, "test-api...", gjson.Get(line, "api_key").String())
	assert.Equal(t, "/v1/protected", gjson.Get(line, "endpoint").String())
	assert.Equal(t, int64(200), gjson.Get(line, "status").Int())
	assert.Equal(t, 2.5, gjson.Get(line, "response_time_ms").Float())
	assert.False(t, gjson.Get(line, "reason").Exists())
}

func TestLogSink_NullKey(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(zerolog.New(&buf))

	e := sampleEntry()
	e.APIKey = nil
	e.Status = 401
	e.Reason = "missing_api_key"
	s.Record(context.Background(), e)

	line := buf.String()
	key := gjson.Get(line, "api_key")
	assert.True(t, key.Exists())
	assert.Equal(t, gjson.Null, key.Type)
	assert.Equal(t, "missing_api_key", gjson.Get(line, "reason").String())
}

func TestStoreSink_SwallowsErrors(t *testing.T) {
	var buf bytes.Buffer
	w := &failingWriter{}
	s := NewStoreSink(w, zerolog.New(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NotPanics(t, func() { s.Record(ctx, sampleEntry()) })
	assert.Equal(t, 1, w.calls)
	assert.Contains(t, buf.String(), "audit write failed")
}

func TestMultiSink(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	MultiSink{a, Discard, b}.Record(context.Background(), sampleEntry())
	assert.Equal(t, 1, a.len())
	assert.Equal(t, 1, b.len())
}

func TestAsyncSink_Delivers(t *testing.T) {
	mem := &memSink{}
	s := NewAsyncSink(mem, 16)
	for i := 0; i < 10; i++ {
		s.Record(context.Background(), sampleEntry())
	}
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 10, mem.len())
}
