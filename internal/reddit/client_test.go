package reddit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:   srv.URL,
		Subreddit: "coffeetalk",
		Token:     "test-token",
	})
}

func TestSendNotice(t *testing.T) {
	var gotPath, gotBody, gotHidden, gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotPath = r.URL.Path
		gotBody = r.FormValue("body")
		gotHidden = r.FormValue("isAuthorHidden")
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
	})

	err := c.SendNotice(context.Background(), "conv1", "please slow down", true)
	require.NoError(t, err)
	assert.Equal(t, "/api/mod/conversations/conv1", gotPath)
	assert.Equal(t, "please slow down", gotBody)
	assert.Equal(t, "true", gotHidden)
	assert.Equal(t, "Bearer test-token", gotAuth)
}

func TestApplySuppression(t *testing.T) {
	var gotPath, gotHours string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotPath = r.URL.Path
		gotHours = r.FormValue("num_hours")
		w.WriteHeader(http.StatusOK)
	})

	err := c.ApplySuppression(context.Background(), "conv1", 72)
	require.NoError(t, err)
	assert.Equal(t, "/api/mod/conversations/conv1/mute", gotPath)
	assert.Equal(t, "72", gotHours)
}

func TestLiftSuppression(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})

	err := c.LiftSuppression(context.Background(), "conv1")
	require.NoError(t, err)
	assert.Equal(t, "/api/mod/conversations/conv1/unmute", gotPath)
}

func TestBanSubject(t *testing.T) {
	var form map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = map[string]string{
			"path":       r.URL.Path,
			"api_type":   r.FormValue("api_type"),
			"name":       r.FormValue("name"),
			"type":       r.FormValue("type"),
			"ban_reason": r.FormValue("ban_reason"),
			"duration":   r.FormValue("duration"),
		}
		w.WriteHeader(http.StatusOK)
	})

	err := c.BanSubject(context.Background(), "spammer", "Posting more than 12 times in 3600 seconds", "You posted too fast.", 2)
	require.NoError(t, err)
	assert.Equal(t, "/r/coffeetalk/api/friend", form["path"])
	assert.Equal(t, "json", form["api_type"])
	assert.Equal(t, "spammer", form["name"])
	assert.Equal(t, "banned", form["type"])
	assert.Equal(t, "Posting more than 12 times in 3600 seconds", form["ban_reason"])
	assert.Equal(t, "2", form["duration"])
}

func TestActionErrorSurfacesStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "RATELIMIT", http.StatusForbidden)
	})

	err := c.SendNotice(context.Background(), "conv1", "hi", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestResolveUsername(t *testing.T) {
	t.Run("resolves to fullname", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/user/espresso_fan/about", r.URL.Path)
			w.Write([]byte(`{"kind": "t2", "data": {"id": "abc123"}}`))
		})

		id, err := c.ResolveUsername(context.Background(), "espresso_fan")
		require.NoError(t, err)
		assert.Equal(t, "t2_abc123", id)
	})

	t.Run("keeps already-prefixed id", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"data": {"id": "t2_abc123"}}`))
		})

		id, err := c.ResolveUsername(context.Background(), "espresso_fan")
		require.NoError(t, err)
		assert.Equal(t, "t2_abc123", id)
	})

	t.Run("unknown user", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})

		_, err := c.ResolveUsername(context.Background(), "nobody")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}
