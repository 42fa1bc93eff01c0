package eventstream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizer_CoalescesCumulativeText(t *testing.T) {
	n := New("Say hi")

	n.Feed(json.RawMessage(`{"type":"text","text":"Hi","messageID":"m1"}`), -1)
	n.Feed(json.RawMessage(`{"type":"text","text":"Hi!","messageID":"m1"}`), -1)

	parts := n.Parts()
	require.Len(t, parts, 1)
	require.Equal(t, "Hi!", parts[0].Text)
}

func TestNormalizer_ToolInterleaving(t *testing.T) {
	n := New("")

	n.Feed(json.RawMessage(`{"type":"text","text":"Reading…"}`), -1)
	n.Feed(json.RawMessage(`{"type":"tool-call","tool":"readFile","id":"t1","state":{"input":{"path":"/a"},"status":"running"}}`), -1)
	n.Feed(json.RawMessage(`{"type":"tool-call","tool":"readFile","id":"t1","state":{"output":"ok","status":"completed"}}`), -1)
	n.Feed(json.RawMessage(`{"type":"text","text":"Done."}`), -1)

	parts := n.Parts()
	require.Len(t, parts, 3)

	require.True(t, parts[0].IsText())
	require.Equal(t, "Reading…", parts[0].Text)

	require.False(t, parts[1].IsText())
	require.Equal(t, "readFile", parts[1].Tool.Name)
	require.Equal(t, "/a", parts[1].Tool.Arguments["path"])
	require.Equal(t, "ok", parts[1].Tool.Result)
	require.Equal(t, "completed", string(parts[1].Tool.State))

	require.True(t, parts[2].IsText())
	require.Equal(t, "Done.", parts[2].Text)
}

func TestNormalizer_ToolInterruptsTextCoalescing(t *testing.T) {
	n := New("")

	n.Feed(json.RawMessage(`{"type":"text","text":"before"}`), -1)
	n.Feed(json.RawMessage(`{"type":"tool_use","name":"ls","id":"t1"}`), -1)
	n.Feed(json.RawMessage(`{"type":"text","text":"after"}`), -1)

	parts := n.Parts()
	require.Len(t, parts, 3)
	require.Equal(t, "before", parts[0].Text)
	require.Equal(t, "after", parts[2].Text)
}

func TestNormalizer_EchoFilter(t *testing.T) {
	n := New("Say hi")

	n.Feed(json.RawMessage(`{"type":"text","text":"Say hi"}`), -1)
	n.Feed(json.RawMessage(`{"type":"text","text":"Hi there"}`), -1)

	parts := n.Parts()
	require.Len(t, parts, 1)
	require.Equal(t, "Hi there", parts[0].Text)
}

func TestNormalizer_ToolFieldAliases(t *testing.T) {
	n := New("")
	n.Feed(json.RawMessage(`{"type":"tool","toolName":"grep","callID":"c1","arguments":{"pattern":"foo"},"result":"match","status":"success"}`), -1)

	parts := n.Parts()
	require.Len(t, parts, 1)
	require.Equal(t, "grep", parts[0].Tool.Name)
	require.Equal(t, "c1", parts[0].Tool.ID)
	require.Equal(t, "foo", parts[0].Tool.Arguments["pattern"])
	require.Equal(t, "match", parts[0].Tool.Result)
	require.Equal(t, "completed", string(parts[0].Tool.State)) // "success" aliases to completed
}

func TestNormalizer_UnknownTypeIgnored(t *testing.T) {
	n := New("")
	n.Feed(json.RawMessage(`{"type":"server.connected"}`), -1)
	require.Empty(t, n.Parts())
}

func TestNormalizer_OrderingIsStrictlyIncreasingFirstSeen(t *testing.T) {
	n := New("")
	n.Feed(json.RawMessage(`{"type":"tool","tool":"a","id":"1"}`), -1)
	n.Feed(json.RawMessage(`{"type":"tool","tool":"b","id":"2"}`), -1)
	n.Feed(json.RawMessage(`{"type":"tool","tool":"a","id":"1"}`), -1) // update, not a new part

	parts := n.Parts()
	require.Len(t, parts, 2)
	require.Equal(t, "a", parts[0].Tool.Name)
	require.Equal(t, "b", parts[1].Tool.Name)
}

func TestClassify_StatelessEchoAndEmptyFilter(t *testing.T) {
	require.Nil(t, Classify(json.RawMessage(`{"type":"text","text":""}`), ""))
	require.Nil(t, Classify(json.RawMessage(`{"type":"text","text":"echo"}`), "echo"))

	part := Classify(json.RawMessage(`{"type":"text","text":"kept"}`), "echo")
	require.NotNil(t, part)
	require.Equal(t, "kept", part.Text)
}
