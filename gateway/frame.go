package gateway

import (
	"encoding/json"
	"fmt"
)

// Wire format. Field names are a compatibility surface with the service:
// outgoing frames are `{"id": ..., "cmd": ..., "params": ...}` with `params`
// omitted entirely when the command takes no arguments, and incoming frames
// are tagged with `type` = success | error | notification.

const (
	frameTypeSuccess      = "success"
	frameTypeError        = "error"
	frameTypeNotification = "notification"
)

type commandFrame struct {
	Id     Id              `json:"id"`
	Cmd    string          `json:"cmd"`
	Params json.RawMessage `json:"params,omitempty"`
}

type responseFrame struct {
	Type    string          `json:"type"`
	Id      string          `json:"id"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// every success payload and notification payload carries a `type` variant tag
type dataVariant struct {
	Type string `json:"type"`
}

func variantOf(data json.RawMessage) string {
	var v dataVariant
	if err := json.Unmarshal(data, &v); err != nil {
		return ""
	}
	return v.Type
}

// decodes a success payload, checking the variant tag
func decodeData[R any](data json.RawMessage, wantVariant string, result *R) error {
	if v := variantOf(data); v != wantVariant {
		return fmt.Errorf("unexpected response variant %q (want %q)", v, wantVariant)
	}
	return json.Unmarshal(data, result)
}

// the server rejected the command. The message is surfaced verbatim.
type CommandError struct {
	Cmd     string
	Message string
}

func (self *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", self.Cmd, self.Message)
}

// command names, per the service catalogue
const (
	CmdAuth                         = "Auth"
	CmdNewKeyHandshakeUrl           = "NewKeyHandshakeUrl"
	CmdAuthenticateKey              = "AuthenticateKey"
	CmdRequestRecurringPayment      = "RequestRecurringPayment"
	CmdRequestSinglePayment         = "RequestSinglePayment"
	CmdFetchProfile                 = "FetchProfile"
	CmdSetProfile                   = "SetProfile"
	CmdCloseRecurringPayment        = "CloseRecurringPayment"
	CmdListenClosedRecurringPayment = "ListenClosedRecurringPayment"
	CmdIssueToken                   = "IssueToken"
	CmdVerifyToken                  = "VerifyToken"
)

// notification variants
const (
	notifyKeyHandshake           = "key_handshake"
	notifyPaymentStatusUpdate    = "payment_status_update"
	notifyClosedRecurringPayment = "closed_recurring_payment"
)
