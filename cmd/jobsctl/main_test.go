package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spicemill/spicemill/jobs"
)

func TestTriggerEnqueuesReconcile(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"trigger", jobs.TaskLedgerReconcile, "-material", "7"}, &out))

	var got map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, jobs.TaskLedgerReconcile, got["type"])
	assert.Equal(t, jobs.QueueDefault, got["queue"])
	assert.NotEmpty(t, got["id"])

	pending, err := mr.List("asynq:{" + jobs.QueueDefault + "}:pending")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestTriggerRejectsUnknownTask(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())

	err := run(context.Background(), []string{"trigger", "report:render"}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported job")

	err = run(context.Background(), []string{"purge"}, &bytes.Buffer{})
	require.Error(t, err)
}
