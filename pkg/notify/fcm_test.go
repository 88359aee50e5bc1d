package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paket-core/router/pkg/notify"
	"github.com/paket-core/router/pkg/types"
)

func TestCodesCoverPushableEvents(t *testing.T) {
	for _, eventType := range []types.EventType{
		types.EventLaunched, types.EventCourierConfirmed, types.EventCouriered,
		types.EventRelayRequired, types.EventReceived, types.EventLocationChanged,
		types.EventEscrowAssigned, types.EventRelayAssigned,
	} {
		assert.Contains(t, notify.Codes, eventType)
	}
	assert.Equal(t, 100, notify.Codes[types.EventLaunched])
	assert.Equal(t, 104, notify.Codes[types.EventReceived])
	assert.Equal(t, 111, notify.Codes[types.EventRelayAssigned])
}

func TestFCMPush(t *testing.T) {
	var mu sync.Mutex
	var requests []map[string]any
	var auths []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(body, &payload))
		mu.Lock()
		requests = append(requests, payload)
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()
	}))
	defer server.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fcm := notify.NewFCMWithEndpoint("secret-key", server.URL, logger)

	fcm.Push(context.Background(), []string{"token-a", "token-b"}, notify.Notification{
		Title:          "Package delivered",
		Body:           "Your package XX-abc was delivered",
		Code:           104,
		ShortPackageID: "XX-abc",
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, requests, 2)
	assert.Equal(t, "key=secret-key", auths[0])
	assert.Equal(t, "token-a", requests[0]["to"])
	assert.Equal(t, "token-b", requests[1]["to"])

	data, ok := requests[0]["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "104", data["notification_code"])
	assert.Equal(t, "XX-abc", data["short_package_id"])
}

func TestFCMPushSkipsFailedTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fcm := notify.NewFCMWithEndpoint("bad-key", server.URL, logger)

	// Must not panic or abort on per-token failures.
	fcm.Push(context.Background(), []string{"token-a", "token-b"}, notify.Notification{Code: 100})
}
