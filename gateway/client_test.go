package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	gojwt "github.com/golang-jwt/jwt/v5"
)

func newTestClient(t *testing.T, service *wsService) *Client {
	ctx := context.Background()
	conn, err := ConnectWithDefaults(ctx, service.url())
	assert.Equal(t, err, nil)
	t.Cleanup(conn.Close)
	return NewClientWithDefaults(conn)
}

func TestAuth(t *testing.T) {
	service := newWsService(t, func(service *wsService, ws *websocket.Conn, frame *commandFrame) {
		assert.Equal(t, frame.Cmd, CmdAuth)
		service.success(ws, frame.Id.String(), map[string]any{
			"type":    "auth_success",
			"message": "ok",
		})
	})
	defer service.Close()

	client := newTestClient(t, service)
	assert.Equal(t, client.Auth(context.Background(), "token"), nil)
}

func TestKeyHandshakeOneShot(t *testing.T) {
	service := newWsService(t, func(service *wsService, ws *websocket.Conn, frame *commandFrame) {
		service.success(ws, frame.Id.String(), map[string]any{
			"type":      "key_handshake_url",
			"url":       "https://gate.example.com/h/abc",
			"stream_id": "hs-1",
		})
		// two logins. Only the first may fire without a static token.
		service.notify(ws, "hs-1", map[string]any{
			"type":     notifyKeyHandshake,
			"main_key": "key-one",
		})
		service.notify(ws, "hs-1", map[string]any{
			"type":     notifyKeyHandshake,
			"main_key": "key-two",
		})
	})
	defer service.Close()

	client := newTestClient(t, service)

	keys := make(chan string, 4)
	url, err := client.NewKeyHandshakeUrl(context.Background(), "", func(event *KeyHandshake) {
		keys <- event.MainKey
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, url.Url, "https://gate.example.com/h/abc")

	select {
	case key := <-keys:
		assert.Equal(t, key, "key-one")
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for handshake")
	}
	select {
	case <-keys:
		t.Fatal("one-shot handshake fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestKeyHandshakeStaticToken(t *testing.T) {
	service := newWsService(t, func(service *wsService, ws *websocket.Conn, frame *commandFrame) {
		service.success(ws, frame.Id.String(), map[string]any{
			"type":      "key_handshake_url",
			"url":       "https://gate.example.com/h/abc",
			"stream_id": "hs-1",
		})
		service.notify(ws, "hs-1", map[string]any{
			"type":     notifyKeyHandshake,
			"main_key": "key-one",
		})
		service.notify(ws, "hs-1", map[string]any{
			"type":     notifyKeyHandshake,
			"main_key": "key-two",
		})
	})
	defer service.Close()

	client := newTestClient(t, service)

	keys := make(chan string, 4)
	_, err := client.NewKeyHandshakeUrl(context.Background(), "static", func(event *KeyHandshake) {
		keys <- event.MainKey
	})
	assert.Equal(t, err, nil)

	// a reusable url fires once per login
	for _, want := range []string{"key-one", "key-two"} {
		select {
		case key := <-keys:
			assert.Equal(t, key, want)
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for handshake")
		}
	}
}

func testSessionToken(t *testing.T, targetKey string, expiresAt time.Time) string {
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"target_key": targetKey,
		"exp":        expiresAt.Unix(),
	}).SignedString([]byte("test"))
	assert.Equal(t, err, nil)
	return token
}

func TestAuthenticateKeyApproved(t *testing.T) {
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
	sessionToken := testSessionToken(t, "owner", expiresAt)

	service := newWsService(t, func(service *wsService, ws *websocket.Conn, frame *commandFrame) {
		service.success(ws, frame.Id.String(), map[string]any{
			"type": "auth_response",
			"event": map[string]any{
				"user_key":  "owner",
				"recipient": "gatekeeper",
				"challenge": "c",
				"status": map[string]any{
					"status":              "approved",
					"granted_permissions": []string{"pay_invoice"},
					"session_token":       sessionToken,
				},
			},
		})
	})
	defer service.Close()

	client := newTestClient(t, service)
	session, err := client.AuthenticateKey(context.Background(), "owner", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, session.OwnerKey, "owner")
	assert.Equal(t, session.GrantedPermissions, []string{"pay_invoice"})
	assert.Equal(t, session.SessionToken, sessionToken)
	assert.Equal(t, session.ExpiresAt.Unix(), expiresAt.Unix())
}

func TestAuthenticateKeyDeclined(t *testing.T) {
	service := newWsService(t, func(service *wsService, ws *websocket.Conn, frame *commandFrame) {
		service.success(ws, frame.Id.String(), map[string]any{
			"type": "auth_response",
			"event": map[string]any{
				"user_key": "owner",
				"status": map[string]any{
					"status": "declined",
					"reason": "not allowed",
				},
			},
		})
	})
	defer service.Close()

	client := newTestClient(t, service)
	_, err := client.AuthenticateKey(context.Background(), "owner", nil)
	declined, ok := err.(*AuthDeclinedError)
	assert.Equal(t, ok, true)
	assert.Equal(t, declined.Reason, "not allowed")
}

func TestAuthenticateKeyTimeout(t *testing.T) {
	service := newWsService(t, func(service *wsService, ws *websocket.Conn, frame *commandFrame) {
		// the user never answers the challenge
	})
	defer service.Close()

	ctx := context.Background()
	conn, err := ConnectWithDefaults(ctx, service.url())
	assert.Equal(t, err, nil)
	defer conn.Close()

	client := NewClient(conn, &ClientSettings{
		AuthenticateKeyTimeout: 100 * time.Millisecond,
	})
	_, err = client.AuthenticateKey(ctx, "owner", nil)
	assert.Equal(t, err, ErrAuthenticateTimeout)
}

func TestSinglePaymentLifecycle(t *testing.T) {
	service := newWsService(t, func(service *wsService, ws *websocket.Conn, frame *commandFrame) {
		service.success(ws, frame.Id.String(), map[string]any{
			"type":      "single_payment",
			"stream_id": "pay-1",
		})
		service.notify(ws, "pay-1", map[string]any{
			"type":   notifyPaymentStatusUpdate,
			"status": map[string]any{"status": PaymentStatusPending},
		})
		service.notify(ws, "pay-1", map[string]any{
			"type":   notifyPaymentStatusUpdate,
			"status": map[string]any{"status": PaymentStatusPaid, "preimage": "00ff"},
		})
		// after the terminal status the stream is gone. This must be dropped.
		service.notify(ws, "pay-1", map[string]any{
			"type":   notifyPaymentStatusUpdate,
			"status": map[string]any{"status": PaymentStatusPaid},
		})
	})
	defer service.Close()

	client := newTestClient(t, service)

	statuses := make(chan *WirePaymentStatus, 8)
	err := client.RequestSinglePayment(context.Background(), &SinglePaymentArgs{
		MainKey:     "owner",
		Description: "coffee",
		Amount:      21000,
		Currency:    CurrencyMillisats,
	}, func(status *WirePaymentStatus) {
		statuses <- status
	})
	assert.Equal(t, err, nil)

	select {
	case status := <-statuses:
		assert.Equal(t, status.Status, PaymentStatusPending)
		assert.Equal(t, status.Terminal(), false)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for pending status")
	}
	select {
	case status := <-statuses:
		assert.Equal(t, status.Status, PaymentStatusPaid)
		assert.Equal(t, status.Preimage, "00ff")
		assert.Equal(t, status.Terminal(), true)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for terminal status")
	}
	select {
	case <-statuses:
		t.Fatal("status after terminal")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRecurringPaymentConfirmed(t *testing.T) {
	service := newWsService(t, func(service *wsService, ws *websocket.Conn, frame *commandFrame) {
		service.success(ws, frame.Id.String(), map[string]any{
			"type": "recurring_payment",
			"status": map[string]any{
				"request_id": "req-1",
				"status": map[string]any{
					"status":              RecurringStatusConfirmed,
					"subscription_id":     "sub-1",
					"authorized_amount":   10000,
					"authorized_currency": CurrencyMillisats,
					"authorized_recurrence": map[string]any{
						"calendar":          "monthly",
						"first_payment_due": 1735689600,
					},
				},
			},
		})
	})
	defer service.Close()

	client := newTestClient(t, service)
	result, err := client.RequestRecurringPayment(context.Background(), &RecurringPaymentArgs{
		MainKey:  "owner",
		Amount:   10000,
		Currency: CurrencyMillisats,
		Recurrence: RecurrenceInfo{
			Calendar:        CalendarMonthly,
			FirstPaymentDue: 1735689600,
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Confirmed(), true)
	assert.Equal(t, result.RequestId, "req-1")
	assert.Equal(t, result.SubscriptionId, "sub-1")
	assert.Equal(t, result.AuthorizedAmount, int64(10000))
	assert.Equal(t, result.AuthorizedRecurrence.Calendar, CalendarMonthly)
}

func TestRecurringPaymentRejected(t *testing.T) {
	service := newWsService(t, func(service *wsService, ws *websocket.Conn, frame *commandFrame) {
		service.success(ws, frame.Id.String(), map[string]any{
			"type": "recurring_payment",
			"status": map[string]any{
				"request_id": "req-2",
				"status": map[string]any{
					"status": RecurringStatusRejected,
					"reason": "amount too high",
				},
			},
		})
	})
	defer service.Close()

	client := newTestClient(t, service)
	result, err := client.RequestRecurringPayment(context.Background(), &RecurringPaymentArgs{
		MainKey:  "owner",
		Amount:   1 << 40,
		Currency: CurrencyMillisats,
		Recurrence: RecurrenceInfo{
			Calendar: CalendarMonthly,
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Confirmed(), false)
	assert.Equal(t, result.RequestId, "req-2")
	assert.Equal(t, result.Reason, "amount too high")
}

func TestFetchProfileAbsent(t *testing.T) {
	service := newWsService(t, func(service *wsService, ws *websocket.Conn, frame *commandFrame) {
		service.success(ws, frame.Id.String(), map[string]any{
			"type":    "profile",
			"profile": nil,
		})
	})
	defer service.Close()

	client := newTestClient(t, service)
	profile, err := client.FetchProfile(context.Background(), "owner")
	assert.Equal(t, err, nil)
	if profile != nil {
		t.Fatalf("expected nil profile, got %+v", profile)
	}
}

func TestCloseRecurringPayment(t *testing.T) {
	service := newWsService(t, func(service *wsService, ws *websocket.Conn, frame *commandFrame) {
		service.success(ws, frame.Id.String(), map[string]any{
			"type":    "close_recurring_payment_success",
			"message": "closed",
		})
	})
	defer service.Close()

	client := newTestClient(t, service)
	message, err := client.CloseRecurringPayment(context.Background(), "owner", "sub-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, message, "closed")
}

func TestListenClosedRecurringPayment(t *testing.T) {
	service := newWsService(t, func(service *wsService, ws *websocket.Conn, frame *commandFrame) {
		// the listen command carries no params
		if frame.Params != nil {
			t.Errorf("unexpected params %s", frame.Params)
		}
		service.success(ws, frame.Id.String(), map[string]any{
			"type":      "listen_closed_recurring_payment",
			"stream_id": "closed-1",
		})
		service.notify(ws, "closed-1", map[string]any{
			"type":            notifyClosedRecurringPayment,
			"subscription_id": "sub-1",
			"main_key":        "owner",
			"recipient":       "merchant",
			"reason":          "user cancelled",
		})
	})
	defer service.Close()

	client := newTestClient(t, service)

	events := make(chan *ClosedSubscription, 4)
	unsub, err := client.ListenClosedRecurringPayment(context.Background(), func(event *ClosedSubscription) {
		events <- event
	})
	assert.Equal(t, err, nil)
	defer unsub()

	select {
	case event := <-events:
		assert.Equal(t, event.SubscriptionId, "sub-1")
		assert.Equal(t, event.MainKey, "owner")
		assert.Equal(t, event.Reason, "user cancelled")
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for closed subscription")
	}
}

func TestIssueAndVerifyToken(t *testing.T) {
	service := newWsService(t, func(service *wsService, ws *websocket.Conn, frame *commandFrame) {
		switch frame.Cmd {
		case CmdIssueToken:
			service.success(ws, frame.Id.String(), map[string]any{
				"type":  "issue_token",
				"token": "token-abc",
			})
		case CmdVerifyToken:
			service.success(ws, frame.Id.String(), map[string]any{
				"type":       "verify_token",
				"target_key": "delegate",
			})
		default:
			service.fail(ws, frame.Id.String(), "no such command")
		}
	})
	defer service.Close()

	client := newTestClient(t, service)

	token, err := client.IssueToken(context.Background(), "delegate", 24)
	assert.Equal(t, err, nil)
	assert.Equal(t, token, "token-abc")

	targetKey, err := client.VerifyToken(context.Background(), "owner", token)
	assert.Equal(t, err, nil)
	assert.Equal(t, targetKey, "delegate")
}
