package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
)

var ErrAuthenticateTimeout = errors.New("authenticate key timeout")

// the remote party declined the authentication challenge
type AuthDeclinedError struct {
	Reason string
}

func (self *AuthDeclinedError) Error() string {
	if self.Reason == "" {
		return "authentication declined"
	}
	return fmt.Sprintf("authentication declined: %s", self.Reason)
}

type ClientSettings struct {
	// the reference flows use both 10s and 60s windows, so this is
	// configuration, not a constant
	AuthenticateKeyTimeout time.Duration
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		AuthenticateKeyTimeout: 60 * time.Second,
	}
}

// Client is the typed command surface over one Connection. It adds no
// correlation logic of its own; every operation goes through
// Connection.SendCommand like any other caller.
type Client struct {
	conn     *Connection
	settings *ClientSettings
}

func NewClientWithDefaults(conn *Connection) *Client {
	return NewClient(conn, DefaultClientSettings())
}

func NewClient(conn *Connection, settings *ClientSettings) *Client {
	return &Client{
		conn:     conn,
		settings: settings,
	}
}

func (self *Client) Connection() *Connection {
	return self.conn
}

type authArgs struct {
	Token string `json:"token"`
}

type authSuccessResult struct {
	Message string `json:"message"`
}

// Auth must be the first command sent on a fresh connection
func (self *Client) Auth(ctx context.Context, token string) error {
	data, err := self.conn.SendCommand(ctx, CmdAuth, &authArgs{
		Token: token,
	})
	if err != nil {
		return err
	}
	var result authSuccessResult
	return decodeData(data, "auth_success", &result)
}

type newKeyHandshakeUrlArgs struct {
	StaticToken string `json:"static_token,omitempty"`
}

type KeyHandshakeUrl struct {
	Url      string `json:"url"`
	StreamId string `json:"stream_id"`
}

// one firing per remote party that begins the handshake
type KeyHandshake struct {
	MainKey         string   `json:"main_key"`
	PreferredRelays []string `json:"preferred_relays,omitempty"`
}

type KeyHandshakeFunction func(event *KeyHandshake)

// NewKeyHandshakeUrl requests a shareable handshake URL. With a static token
// the URL is reusable and the stream fires once per login; without one the
// stream is one-shot and removed after the first firing.
func (self *Client) NewKeyHandshakeUrl(ctx context.Context, staticToken string, handler KeyHandshakeFunction) (*KeyHandshakeUrl, error) {
	reusable := staticToken != ""

	// written under the connection state lock before the handler can fire
	var streamId string
	streamIdOf := func(data json.RawMessage) (string, bool) {
		var result KeyHandshakeUrl
		if err := decodeData(data, "key_handshake_url", &result); err != nil {
			return "", false
		}
		streamId = result.StreamId
		return result.StreamId, true
	}

	wrapped := func(data json.RawMessage) {
		var event KeyHandshake
		if err := decodeData(data, notifyKeyHandshake, &event); err != nil {
			glog.Infof("[cl]drop key handshake notification = %s\n", err)
			return
		}
		if !reusable {
			// one-shot. A second remote key must not refire.
			self.conn.Unsubscribe(streamId)
		}
		handler(&event)
	}

	data, err := self.conn.SendCommandSubscribe(ctx, CmdNewKeyHandshakeUrl, &newKeyHandshakeUrlArgs{
		StaticToken: staticToken,
	}, streamIdOf, wrapped)
	if err != nil {
		return nil, err
	}

	var result KeyHandshakeUrl
	if err := decodeData(data, "key_handshake_url", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type authenticateKeyArgs struct {
	MainKey string   `json:"main_key"`
	Subkeys []string `json:"subkeys"`
}

type authResponseResult struct {
	Event AuthEvent `json:"event"`
}

type AuthEvent struct {
	UserKey   string          `json:"user_key"`
	Recipient string          `json:"recipient"`
	Challenge string          `json:"challenge"`
	Status    AuthEventStatus `json:"status"`
}

type AuthEventStatus struct {
	Status             string   `json:"status"`
	Reason             string   `json:"reason,omitempty"`
	GrantedPermissions []string `json:"granted_permissions,omitempty"`
	SessionToken       string   `json:"session_token,omitempty"`
}

// an authorization grant for issuing payment requests on behalf of a key
type Session struct {
	OwnerKey           string
	GrantedPermissions []string
	SessionToken       string
	ExpiresAt          time.Time
}

// AuthenticateKey races the challenge against
// ClientSettings.AuthenticateKeyTimeout. On timeout the pending command is
// removed and no session state is touched.
func (self *Client) AuthenticateKey(ctx context.Context, mainKey string, subkeys []string) (*Session, error) {
	if subkeys == nil {
		subkeys = []string{}
	}

	timeoutCtx, timeoutCancel := context.WithTimeout(ctx, self.settings.AuthenticateKeyTimeout)
	defer timeoutCancel()

	data, err := self.conn.SendCommand(timeoutCtx, CmdAuthenticateKey, &authenticateKeyArgs{
		MainKey: mainKey,
		Subkeys: subkeys,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrAuthenticateTimeout
		}
		return nil, err
	}

	var result authResponseResult
	if err := decodeData(data, "auth_response", &result); err != nil {
		return nil, err
	}

	switch result.Event.Status.Status {
	case "approved":
		session := &Session{
			OwnerKey:           result.Event.UserKey,
			GrantedPermissions: result.Event.Status.GrantedPermissions,
			SessionToken:       result.Event.Status.SessionToken,
		}
		if token, err := ParseSessionTokenUnverified(session.SessionToken); err == nil {
			session.ExpiresAt = token.ExpiresAt
		}
		return session, nil
	case "declined":
		return nil, &AuthDeclinedError{
			Reason: result.Event.Status.Reason,
		}
	default:
		return nil, fmt.Errorf("unknown auth status %q", result.Event.Status.Status)
	}
}

// currency is a bare string on the wire
const CurrencyMillisats = "Millisats"

type SinglePaymentArgs struct {
	MainKey        string
	Subkeys        []string
	Description    string
	Amount         int64
	Currency       string
	SubscriptionId string
	AuthToken      string
}

type singlePaymentRequest struct {
	Description    string `json:"description"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	SubscriptionId string `json:"subscription_id,omitempty"`
	AuthToken      string `json:"auth_token,omitempty"`
}

type singlePaymentParams struct {
	MainKey        string               `json:"main_key"`
	Subkeys        []string             `json:"subkeys"`
	PaymentRequest singlePaymentRequest `json:"payment_request"`
}

type singlePaymentResult struct {
	Status   *WirePaymentStatus `json:"status,omitempty"`
	StreamId string             `json:"stream_id"`
}

const (
	PaymentStatusPending      = "pending"
	PaymentStatusPaid         = "paid"
	PaymentStatusTimeout      = "timeout"
	PaymentStatusError        = "error"
	PaymentStatusUserFailed   = "user_failed"
	PaymentStatusUserRejected = "user_rejected"
)

type WirePaymentStatus struct {
	Status   string `json:"status"`
	Preimage string `json:"preimage,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// terminal statuses permit no further transition
func (self *WirePaymentStatus) Terminal() bool {
	return self.Status != PaymentStatusPending
}

type PaymentStatusFunction func(status *WirePaymentStatus)

type paymentStatusUpdate struct {
	Status WirePaymentStatus `json:"status"`
}

// RequestSinglePayment returns once the initial acknowledgment with a stream
// id arrives. The stream then delivers zero or more pending statuses and
// exactly one terminal status, after which it is removed; further frames for
// the removed stream are dropped by the connection as protocol noise.
func (self *Client) RequestSinglePayment(ctx context.Context, args *SinglePaymentArgs, statusCallback PaymentStatusFunction) error {
	subkeys := args.Subkeys
	if subkeys == nil {
		subkeys = []string{}
	}

	var streamId string
	streamIdOf := func(data json.RawMessage) (string, bool) {
		var result singlePaymentResult
		if err := decodeData(data, "single_payment", &result); err != nil {
			return "", false
		}
		if result.StreamId == "" {
			return "", false
		}
		streamId = result.StreamId
		return result.StreamId, true
	}

	wrapped := func(data json.RawMessage) {
		var update paymentStatusUpdate
		if err := decodeData(data, notifyPaymentStatusUpdate, &update); err != nil {
			glog.Infof("[cl]drop payment notification = %s\n", err)
			return
		}
		if update.Status.Terminal() {
			self.conn.Unsubscribe(streamId)
		}
		statusCallback(&update.Status)
	}

	data, err := self.conn.SendCommandSubscribe(ctx, CmdRequestSinglePayment, &singlePaymentParams{
		MainKey: args.MainKey,
		Subkeys: subkeys,
		PaymentRequest: singlePaymentRequest{
			Description:    args.Description,
			Amount:         args.Amount,
			Currency:       args.Currency,
			SubscriptionId: args.SubscriptionId,
			AuthToken:      args.AuthToken,
		},
	}, streamIdOf, wrapped)
	if err != nil {
		return err
	}

	var result singlePaymentResult
	return decodeData(data, "single_payment", &result)
}

type RecurrenceInfo struct {
	Until           *int64   `json:"until,omitempty"`
	Calendar        Calendar `json:"calendar"`
	MaxPayments     *int     `json:"max_payments,omitempty"`
	FirstPaymentDue int64    `json:"first_payment_due"`
}

type RecurringPaymentArgs struct {
	MainKey     string
	Subkeys     []string
	Description string
	Amount      int64
	Currency    string
	Recurrence  RecurrenceInfo
	AuthToken   string
}

type recurringPaymentRequest struct {
	Amount      int64          `json:"amount"`
	Currency    string         `json:"currency"`
	Recurrence  RecurrenceInfo `json:"recurrence"`
	AuthToken   string         `json:"auth_token,omitempty"`
	Description string         `json:"description,omitempty"`
}

type recurringPaymentParams struct {
	MainKey        string                  `json:"main_key"`
	Subkeys        []string                `json:"subkeys"`
	PaymentRequest recurringPaymentRequest `json:"payment_request"`
}

const (
	RecurringStatusConfirmed = "confirmed"
	RecurringStatusRejected  = "rejected"
)

// what the remote party actually authorized, which may differ from the
// requested terms
type RecurringPaymentResult struct {
	RequestId            string          `json:"-"`
	Status               string          `json:"status"`
	SubscriptionId       string          `json:"subscription_id,omitempty"`
	AuthorizedAmount     int64           `json:"authorized_amount,omitempty"`
	AuthorizedCurrency   string          `json:"authorized_currency,omitempty"`
	AuthorizedRecurrence *RecurrenceInfo `json:"authorized_recurrence,omitempty"`
	Reason               string          `json:"reason,omitempty"`
}

func (self *RecurringPaymentResult) Confirmed() bool {
	return self.Status == RecurringStatusConfirmed
}

// the confirmed/rejected enum sits one level below the request id
type recurringPaymentContent struct {
	RequestId string                 `json:"request_id"`
	Status    RecurringPaymentResult `json:"status"`
}

type recurringPaymentResponse struct {
	Status recurringPaymentContent `json:"status"`
}

// single round trip, no stream
func (self *Client) RequestRecurringPayment(ctx context.Context, args *RecurringPaymentArgs) (*RecurringPaymentResult, error) {
	subkeys := args.Subkeys
	if subkeys == nil {
		subkeys = []string{}
	}

	data, err := self.conn.SendCommand(ctx, CmdRequestRecurringPayment, &recurringPaymentParams{
		MainKey: args.MainKey,
		Subkeys: subkeys,
		PaymentRequest: recurringPaymentRequest{
			Amount:      args.Amount,
			Currency:    args.Currency,
			Recurrence:  args.Recurrence,
			AuthToken:   args.AuthToken,
			Description: args.Description,
		},
	})
	if err != nil {
		return nil, err
	}

	var result recurringPaymentResponse
	if err := decodeData(data, "recurring_payment", &result); err != nil {
		return nil, err
	}
	content := result.Status
	content.Status.RequestId = content.RequestId
	return &content.Status, nil
}

type Profile struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Nip05       string `json:"nip05,omitempty"`
}

type fetchProfileArgs struct {
	MainKey string `json:"main_key"`
}

type setProfileArgs struct {
	Profile *Profile `json:"profile"`
}

type profileResult struct {
	Profile *Profile `json:"profile"`
}

// nil when the key has no profile
func (self *Client) FetchProfile(ctx context.Context, mainKey string) (*Profile, error) {
	data, err := self.conn.SendCommand(ctx, CmdFetchProfile, &fetchProfileArgs{
		MainKey: mainKey,
	})
	if err != nil {
		return nil, err
	}
	var result profileResult
	if err := decodeData(data, "profile", &result); err != nil {
		return nil, err
	}
	return result.Profile, nil
}

func (self *Client) SetProfile(ctx context.Context, profile *Profile) error {
	data, err := self.conn.SendCommand(ctx, CmdSetProfile, &setProfileArgs{
		Profile: profile,
	})
	if err != nil {
		return err
	}
	var result profileResult
	return decodeData(data, "profile", &result)
}

type closeRecurringPaymentArgs struct {
	MainKey        string   `json:"main_key"`
	Subkeys        []string `json:"subkeys"`
	SubscriptionId string   `json:"subscription_id"`
}

type closeRecurringPaymentResult struct {
	Message string `json:"message"`
}

func (self *Client) CloseRecurringPayment(ctx context.Context, mainKey string, subscriptionId string) (string, error) {
	data, err := self.conn.SendCommand(ctx, CmdCloseRecurringPayment, &closeRecurringPaymentArgs{
		MainKey:        mainKey,
		Subkeys:        []string{},
		SubscriptionId: subscriptionId,
	})
	if err != nil {
		return "", err
	}
	var result closeRecurringPaymentResult
	if err := decodeData(data, "close_recurring_payment_success", &result); err != nil {
		return "", err
	}
	return result.Message, nil
}

// a subscription the remote party cancelled unilaterally
type ClosedSubscription struct {
	SubscriptionId string `json:"subscription_id"`
	MainKey        string `json:"main_key"`
	Recipient      string `json:"recipient"`
	Reason         string `json:"reason,omitempty"`
}

type ClosedSubscriptionFunction func(event *ClosedSubscription)

type listenClosedResult struct {
	StreamId string `json:"stream_id"`
}

// ListenClosedRecurringPayment opens one persistent stream fed whenever the
// remote party closes a subscription. Returns a function that stops
// listening.
func (self *Client) ListenClosedRecurringPayment(ctx context.Context, handler ClosedSubscriptionFunction) (func(), error) {
	streamIdOf := func(data json.RawMessage) (string, bool) {
		var result listenClosedResult
		if err := decodeData(data, "listen_closed_recurring_payment", &result); err != nil {
			return "", false
		}
		return result.StreamId, true
	}

	wrapped := func(data json.RawMessage) {
		var event ClosedSubscription
		if err := decodeData(data, notifyClosedRecurringPayment, &event); err != nil {
			glog.Infof("[cl]drop closed subscription notification = %s\n", err)
			return
		}
		handler(&event)
	}

	// no params: the field is omitted on the wire
	data, err := self.conn.SendCommandSubscribe(ctx, CmdListenClosedRecurringPayment, nil, streamIdOf, wrapped)
	if err != nil {
		return nil, err
	}

	var result listenClosedResult
	if err := decodeData(data, "listen_closed_recurring_payment", &result); err != nil {
		return nil, err
	}
	unsub := func() {
		self.conn.Unsubscribe(result.StreamId)
	}
	return unsub, nil
}

type issueTokenArgs struct {
	TargetKey     string `json:"target_key"`
	DurationHours int64  `json:"duration_hours"`
}

type issueTokenResult struct {
	Token string `json:"token"`
}

func (self *Client) IssueToken(ctx context.Context, targetKey string, durationHours int64) (string, error) {
	data, err := self.conn.SendCommand(ctx, CmdIssueToken, &issueTokenArgs{
		TargetKey:     targetKey,
		DurationHours: durationHours,
	})
	if err != nil {
		return "", err
	}
	var result issueTokenResult
	if err := decodeData(data, "issue_token", &result); err != nil {
		return "", err
	}
	return result.Token, nil
}

type verifyTokenArgs struct {
	Pubkey string `json:"pubkey"`
	Token  string `json:"token"`
}

type verifyTokenResult struct {
	TargetKey string `json:"target_key"`
}

func (self *Client) VerifyToken(ctx context.Context, pubkey string, token string) (string, error) {
	data, err := self.conn.SendCommand(ctx, CmdVerifyToken, &verifyTokenArgs{
		Pubkey: pubkey,
		Token:  token,
	})
	if err != nil {
		return "", err
	}
	var result verifyTokenResult
	if err := decodeData(data, "verify_token", &result); err != nil {
		return "", err
	}
	return result.TargetKey, nil
}
