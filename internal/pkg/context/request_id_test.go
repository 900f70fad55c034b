package context

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", GetRequestID(ctx))
}

func TestRequestID_Missing(t *testing.T) {
	assert.Equal(t, "", GetRequestID(context.Background()))
	//nolint:staticcheck // nil context is tolerated on purpose
	assert.Equal(t, "", GetRequestID(nil))
}

func TestEnsureRequestID(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background())
	assert.NotEmpty(t, id)
	assert.Equal(t, id, GetRequestID(ctx))

	again, same := EnsureRequestID(ctx)
	assert.Equal(t, id, same)
	assert.Equal(t, ctx, again)

	assert.Equal(t, "kept", GetRequestID(WithRequestID(WithRequestID(context.Background(), "kept"), "")))
}
