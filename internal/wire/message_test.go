package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineGreeting(t *testing.T) {
	msg, err := ParseLine("dataswarm 8 host1 linux x86_64 1.0\n")
	require.NoError(t, err)
	assert.Equal(t, KindGreeting, msg.Kind)
	assert.Equal(t, "8", msg.Field(0))
	assert.Equal(t, "host1", msg.Field(1))
}

func TestParseLineResult(t *testing.T) {
	msg, err := ParseLine("result 0 0 3 1500 42\n")
	require.NoError(t, err)
	require.Equal(t, KindResult, msg.Kind)

	outlenIdx := PayloadLenFieldIndex(KindResult)
	n, err := msg.IntField(outlenIdx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	taskID, err := msg.IntField(4)
	require.NoError(t, err)
	assert.Equal(t, int64(42), taskID)
}

func TestParseLineUnknownKeywordRejected(t *testing.T) {
	_, err := ParseLine("bogus foo bar\n")
	require.Error(t, err)
}

func TestParseLineHTTPGet(t *testing.T) {
	msg, err := ParseLine("GET /queue_status HTTP/1.1\n")
	require.NoError(t, err)
	assert.Equal(t, KindHTTPGet, msg.Kind)
	assert.Equal(t, "/queue_status", msg.Field(0))
}

func TestParseLineEmpty(t *testing.T) {
	_, err := ParseLine("\n")
	require.Error(t, err)
}
