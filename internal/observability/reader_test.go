package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

// A Writer with no ClickHouse connection (observability disabled) must fail
// fast rather than nil-pointer-dereference on w.conn.

func TestFetchInference_NoStore(t *testing.T) {
	w := &Writer{}
	_, err := w.FetchInference(context.Background(), "some-id")
	assert.Error(t, err)
}

func TestFetchEpisode_NoStore(t *testing.T) {
	w := &Writer{}
	_, err := w.FetchEpisode(context.Background(), "some-episode")
	assert.Error(t, err)
}

func TestFetchDatapoints_NoStore(t *testing.T) {
	w := &Writer{}
	examples, err := w.FetchDatapoints(context.Background(), "my_function", 5)
	assert.Error(t, err)
	assert.Nil(t, examples)
}
