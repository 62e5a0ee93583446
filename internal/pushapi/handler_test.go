package pushapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, cfg SenderConfig, limit int) (http.Handler, *Store) {
	t.Helper()
	store, _ := newTestStore(t)
	sender := NewSender(cfg, store, nil, nil)
	h := NewHandler(HandlerConfig{RegisterLimit: limit}, store, sender, nil)
	r := chi.NewRouter()
	h.Routes(r)
	return r, store
}

func do(h http.Handler, method, target, user, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if user != "" {
		req.Header.Set(DefaultUserHeader, user)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &e))
	return e
}

func TestVAPIDPublicKey(t *testing.T) {
	t.Parallel()
	h, _ := newTestRouter(t, SenderConfig{PublicKey: "BPub", PrivateKey: "priv"}, 0)
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rr := do(h, method, "/api/method/push.get_vapid_public_key", "", "", "")
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"message":"BPub"}`, rr.Body.String())
	}

	disabled, _ := newTestRouter(t, SenderConfig{}, 0)
	rr := do(disabled, http.MethodGet, "/api/method/push.get_vapid_public_key", "", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "PushDisabled", decodeError(t, rr).Code)
}

func TestRegisterSubscriptionBodies(t *testing.T) {
	t.Parallel()
	const subJSON = `{"endpoint":"https://push.example.com/x","keys":{"p256dh":"BNc","auth":"sec"}}`
	strEncoded, _ := json.Marshal(subJSON)

	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{"json object", "application/json", `{"subscription":` + subJSON + `,"device":"Mozilla/5.0","browser":"Chromium"}`},
		{"json string", "application/json; charset=utf-8", `{"subscription":` + string(strEncoded) + `,"device":"Mozilla/5.0","browser":"Chromium"}`},
		{"form", "application/x-www-form-urlencoded", url.Values{
			"subscription": {subJSON},
			"device":       {"Mozilla/5.0"},
			"browser":      {"Chromium"},
		}.Encode()},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h, store := newTestRouter(t, SenderConfig{}, 0)
			rr := do(h, http.MethodPost, "/api/method/push.register_subscription", "jane@example.com", tt.contentType, tt.body)
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

			var resp struct {
				Message struct {
					Subscription string `json:"subscription"`
				} `json:"message"`
			}
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			rec, err := store.Get(context.Background(), resp.Message.Subscription)
			require.NoError(t, err)
			assert.Equal(t, "jane@example.com", rec.User)
			assert.Equal(t, "https://push.example.com/x", rec.Endpoint)
			assert.Equal(t, "Mozilla/5.0", rec.Device)
			assert.Equal(t, "Chromium", rec.Browser)
		})
	}
}

func TestRegisterSubscriptionRejects(t *testing.T) {
	t.Parallel()
	h, _ := newTestRouter(t, SenderConfig{}, 0)
	const path = "/api/method/push.register_subscription"
	valid := `{"subscription":{"endpoint":"https://push.example.com/x","keys":{"p256dh":"BNc","auth":"sec"}}}`

	for _, user := range []string{"", GuestUser} {
		rr := do(h, http.MethodPost, path, user, "application/json", valid)
		assert.Equal(t, http.StatusForbidden, rr.Code)
		assert.Equal(t, "LoginRequired", decodeError(t, rr).Code)
	}

	for _, body := range []string{
		`not json`,
		`{}`,
		`{"subscription":null}`,
		`{"subscription":{"endpoint":"https://push.example.com/x"}}`,
		`{"subscription":"{broken"}`,
	} {
		rr := do(h, http.MethodPost, path, "jane@example.com", "application/json", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)
		assert.Equal(t, "InvalidSubscription", decodeError(t, rr).Code, body)
	}
}

func TestRegisterSubscriptionRateLimited(t *testing.T) {
	t.Parallel()
	h, _ := newTestRouter(t, SenderConfig{}, 2)
	body := `{"subscription":{"endpoint":"https://push.example.com/x","keys":{"p256dh":"BNc","auth":"sec"}}}`
	const path = "/api/method/push.register_subscription"

	for i := 0; i < 2; i++ {
		rr := do(h, http.MethodPost, path, "jane@example.com", "application/json", body)
		require.Equal(t, http.StatusOK, rr.Code)
	}
	rr := do(h, http.MethodPost, path, "jane@example.com", "application/json", body)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	rr = do(h, http.MethodPost, path, "omar@example.com", "application/json", body)
	assert.Equal(t, http.StatusOK, rr.Code)
}
