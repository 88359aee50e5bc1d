// Package notify pushes delivery event notifications to mobile devices.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/paket-core/router/pkg/types"
)

// Codes gives each pushable event type a stable numeric code carried in
// the notification payload, so clients can route without parsing titles.
var Codes = map[types.EventType]int{
	types.EventLaunched:         100,
	types.EventCourierConfirmed: 101,
	types.EventCouriered:        102,
	types.EventRelayRequired:    103,
	types.EventReceived:         104,
	types.EventLocationChanged:  105,
	types.EventEscrowAssigned:   110,
	types.EventRelayAssigned:    111,
}

// Notification is one push message about a package event.
type Notification struct {
	Title          string
	Body           string
	Code           int
	ShortPackageID string
}

// Notifier delivers a notification to every given device token. Failed
// tokens are logged and skipped, never fatal.
type Notifier interface {
	Push(ctx context.Context, tokens []string, notification Notification)
}

const fcmEndpoint = "https://fcm.googleapis.com/fcm/send"

// FCM delivers notifications through Firebase Cloud Messaging's legacy
// HTTP API.
type FCM struct {
	serverKey string
	endpoint  string
	client    *http.Client
	logger    *slog.Logger
}

func NewFCM(serverKey string, logger *slog.Logger) *FCM {
	return &FCM{
		serverKey: serverKey,
		endpoint:  fcmEndpoint,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
	}
}

// NewFCMWithEndpoint targets a non-default FCM endpoint. Used in tests.
func NewFCMWithEndpoint(serverKey, endpoint string, logger *slog.Logger) *FCM {
	f := NewFCM(serverKey, logger)
	f.endpoint = endpoint
	return f
}

type fcmMessage struct {
	To           string          `json:"to"`
	Notification fcmNotification `json:"notification"`
	Data         fcmData         `json:"data"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmData struct {
	NotificationCode string `json:"notification_code"`
	ShortPackageID   string `json:"short_package_id,omitempty"`
}

func (f *FCM) Push(ctx context.Context, tokens []string, notification Notification) {
	for _, token := range tokens {
		if err := f.push(ctx, token, notification); err != nil {
			f.logger.Warn("push notification failed",
				"token", token, "code", notification.Code, "error", err)
		}
	}
}

func (f *FCM) push(ctx context.Context, token string, notification Notification) error {
	body, err := json.Marshal(fcmMessage{
		To: token,
		Notification: fcmNotification{
			Title: notification.Title,
			Body:  notification.Body,
		},
		Data: fcmData{
			NotificationCode: strconv.Itoa(notification.Code),
			ShortPackageID:   notification.ShortPackageID,
		},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+f.serverKey)

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fcm returned status %d", resp.StatusCode)
	}
	return nil
}

// Nop discards all notifications. Used when no FCM key is configured.
type Nop struct{}

func (Nop) Push(context.Context, []string, Notification) {}
