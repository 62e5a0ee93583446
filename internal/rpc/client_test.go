package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const base = "https://erp.example.com"

func newMockClient(t *testing.T, freeze FreezeFunc) (*Client, *httpmock.MockTransport) {
	t.Helper()
	mt := httpmock.NewMockTransport()
	c := New(Config{BaseURL: base + "/", User: "jane@example.com"}, &http.Client{Transport: mt}, freeze)
	return c, mt
}

func TestCallReturnsMessage(t *testing.T) {
	t.Parallel()
	c, mt := newMockClient(t, nil)

	var gotBody map[string]any
	mt.RegisterResponder(http.MethodPost, base+"/api/method/push.register_subscription",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "jane@example.com", req.Header.Get(DefaultUserHeader))
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
			b, _ := io.ReadAll(req.Body)
			_ = json.Unmarshal(b, &gotBody)
			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
				"message": map[string]string{"subscription": "a1b2c3d4e5"},
			})
		})

	msg, err := c.Call(context.Background(), "push.register_subscription", map[string]any{
		"device":  "agent/1.0",
		"browser": "Chromium",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"subscription":"a1b2c3d4e5"}`, string(msg))
	assert.Equal(t, "Chromium", gotBody["browser"])
	assert.Equal(t, 1, mt.GetTotalCallCount())
}

func TestCallRemoteError(t *testing.T) {
	t.Parallel()
	c, mt := newMockClient(t, nil)
	mt.RegisterResponder(http.MethodPost, base+"/api/method/push.get_vapid_public_key",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, `{"code":"PushDisabled","message":"VAPID keys are not configured"}`))
	mt.RegisterResponder(http.MethodPost, base+"/api/method/broken",
		httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))

	_, err := c.Call(context.Background(), "push.get_vapid_public_key", nil)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusServiceUnavailable, re.Status)
	assert.Equal(t, "PushDisabled", re.Code)
	assert.True(t, IsCode(err, "PushDisabled"))

	_, err = c.Call(context.Background(), "broken", nil)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "boom", re.Message)
	assert.False(t, IsCode(err, "PushDisabled"))
}

func TestCallTransportError(t *testing.T) {
	t.Parallel()
	c, mt := newMockClient(t, nil)
	mt.RegisterResponder(http.MethodPost, base+"/api/method/ping",
		httpmock.NewErrorResponder(errors.New("connection refused")))

	_, err := c.Call(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCallFreezesAroundTheCall(t *testing.T) {
	t.Parallel()
	var events []string
	freeze := func(frozen bool, msg string) {
		if frozen {
			events = append(events, "freeze:"+msg)
			return
		}
		events = append(events, "thaw")
	}
	c, mt := newMockClient(t, freeze)
	mt.RegisterResponder(http.MethodPost, base+"/api/method/ping",
		func(*http.Request) (*http.Response, error) {
			events = append(events, "call")
			return httpmock.NewStringResponse(http.StatusOK, `{"message":"pong"}`), nil
		})

	msg, err := c.Call(context.Background(), "ping", nil, WithFreeze("Saving"))
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(msg))
	assert.Equal(t, []string{"freeze:Saving", "call", "thaw"}, events)

	events = nil
	_, err = c.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"call"}, events)
}
