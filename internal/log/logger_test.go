// SPDX-License-Identifier: MIT

package log

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithJobID(ctx, "job-1")
	ctx = ContextWithClipTaskID(ctx, "task-1")
	ctx = ContextWithLineID(ctx, "line-1")

	assert.Equal(t, "job-1", JobIDFromContext(ctx))
	assert.Equal(t, "task-1", ClipTaskIDFromContext(ctx))
	assert.Equal(t, "line-1", LineIDFromContext(ctx))
}

func TestContextMissingValues(t *testing.T) {
	assert.Empty(t, JobIDFromContext(context.Background()))
	assert.Empty(t, ClipTaskIDFromContext(nil)) //nolint:staticcheck // nil-context tolerance is part of the contract
	assert.Empty(t, LineIDFromContext(context.Background()))
}

func TestWithContextNoFields(t *testing.T) {
	l := zerolog.Nop()
	out := WithContext(context.Background(), l)
	assert.Equal(t, l, out)
}
