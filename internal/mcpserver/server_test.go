package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/crmsync/internal/engine"
	"github.com/scrypster/crmsync/internal/schema"
)

type fakeEngine struct {
	texts     []string
	result    *engine.ProcessResult
	schemaErr error
}

func (f *fakeEngine) ProcessText(ctx context.Context, text string) *engine.ProcessResult {
	f.texts = append(f.texts, text)
	return f.result
}

func (f *fakeEngine) InitializeSchema(ctx context.Context) (*schema.Snapshot, error) {
	if f.schemaErr != nil {
		return nil, f.schemaErr
	}
	return &schema.Snapshot{
		Initialized:    true,
		Objects:        []schema.ObjectSnapshot{{Slug: "companies", Name: "Companies", Kind: "object", Attributes: 3}},
		AttributeCount: 3,
	}, nil
}

func callTool(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func TestProcessText(t *testing.T) {
	summary := engine.Summary{Total: 2, Successful: 2, Message: "Processed 2/2 actions successfully"}
	eng := &fakeEngine{result: &engine.ProcessResult{Success: true, RunID: "run-1", Summary: &summary}}

	result, err := processText(eng)(context.Background(), callTool("process_text", map[string]interface{}{
		"text": "Met Jane Doe at Acme",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var got engine.ProcessResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "Processed 2/2 actions successfully", got.Summary.Message)
	assert.Equal(t, []string{"Met Jane Doe at Acme"}, eng.texts)
}

func TestProcessText_RequiresText(t *testing.T) {
	eng := &fakeEngine{}

	for _, args := range []map[string]interface{}{{}, {"text": "   "}} {
		result, err := processText(eng)(context.Background(), callTool("process_text", args))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Equal(t, "text is required", resultText(t, result))
	}
	assert.Empty(t, eng.texts)
}

func TestProcessText_Failure(t *testing.T) {
	eng := &fakeEngine{result: &engine.ProcessResult{Error: "workspace unavailable"}}

	result, err := processText(eng)(context.Background(), callTool("process_text", map[string]interface{}{"text": "hi"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "workspace unavailable")
}

func TestSchemaInfo(t *testing.T) {
	result, err := schemaInfo(&fakeEngine{})(context.Background(), callTool("schema_info", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var snap schema.Snapshot
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &snap))
	assert.True(t, snap.Initialized)
	require.Len(t, snap.Objects, 1)
	assert.Equal(t, "companies", snap.Objects[0].Slug)

	result, err = schemaInfo(&fakeEngine{schemaErr: errors.New("bad token")})(context.Background(), callTool("schema_info", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "bad token")
}

func TestNew(t *testing.T) {
	assert.NotNil(t, New(&fakeEngine{}, "test"))
}
