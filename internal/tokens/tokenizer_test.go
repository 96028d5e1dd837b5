package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodingForModel(t *testing.T) {
	assert.Equal(t, "o200k_base", EncodingForModel("gpt-4o-mini"))
	assert.Equal(t, "o200k_base", EncodingForModel("GPT-4o"))
	assert.Equal(t, "cl100k_base", EncodingForModel("gpt-4-turbo"))
	assert.Equal(t, "cl100k_base", EncodingForModel("gpt-3.5-turbo"))
	assert.Equal(t, DefaultEncoding, EncodingForModel("my-deployment"))
}

func TestCountForModel(t *testing.T) {
	c := NewCounter(nil)
	n, err := c.CountForModel("hello world", "gpt-4")
	if err != nil {
		t.Skipf("encoding unavailable: %v", err)
	}
	assert.Equal(t, 2, n)

	again, err := c.CountForModel("hello world", "gpt-4")
	assert.NoError(t, err)
	assert.Equal(t, n, again)
}

func TestEstimateForModel_NeverZeroForText(t *testing.T) {
	c := NewCounter(nil)
	assert.Greater(t, c.EstimateForModel("some text to count", "gpt-4o"), 0)
	assert.Equal(t, 0, c.EstimateForModel("", "gpt-4o"))
}
