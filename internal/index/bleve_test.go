package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolIndex_Search(t *testing.T) {
	idx, err := NewToolIndex(nil)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.BatchIndex([]ToolDocument{
		{ToolName: "send_email", ServerID: "gmail", Description: "Send an email message to a recipient"},
		{ToolName: "create_event", ServerID: "calendar", Description: "Create a calendar event"},
		{ToolName: "append_row", ServerID: "sheets", Description: "Append a row to a spreadsheet"},
	}))

	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)

	results, err := idx.Search("email the team", 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "send_email", results[0].ToolName)
	assert.Equal(t, "gmail", results[0].ServerID)

	results, err = idx.Search("calendar meeting", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "create_event", results[0].ToolName)
}

func TestToolIndex_EmptyQuery(t *testing.T) {
	idx, err := NewToolIndex(nil)
	require.NoError(t, err)
	defer idx.Close()

	_, err = idx.Search("  ", 5)
	assert.Error(t, err)
}

func TestNameWords(t *testing.T) {
	assert.Equal(t, "send email now", nameWords("send_email-now"))
}
