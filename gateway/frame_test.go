package gateway

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCommandFrameParamsOmitted(t *testing.T) {
	// a command without arguments omits the params field entirely
	frame := &commandFrame{
		Id:  NewId(),
		Cmd: CmdListenClosedRecurringPayment,
	}
	frameJson, err := json.Marshal(frame)
	assert.Equal(t, err, nil)

	var fields map[string]json.RawMessage
	assert.Equal(t, json.Unmarshal(frameJson, &fields), nil)
	if _, ok := fields["params"]; ok {
		t.Fatalf("params present: %s", frameJson)
	}

	// the id travels as a uuid string
	var idStr string
	assert.Equal(t, json.Unmarshal(fields["id"], &idStr), nil)
	parsed, err := ParseId(idStr)
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, frame.Id)
}

func TestDecodeDataVariant(t *testing.T) {
	data := json.RawMessage(`{"type":"issue_token","token":"abc"}`)
	assert.Equal(t, variantOf(data), "issue_token")

	var result issueTokenResult
	assert.Equal(t, decodeData(data, "issue_token", &result), nil)
	assert.Equal(t, result.Token, "abc")

	// a mismatched variant tag is an error, not a zero value
	assert.NotEqual(t, decodeData(data, "verify_token", &result), nil)
}
