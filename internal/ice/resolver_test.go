package ice

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/campus-signaling/config"
)

func providerConfig(endpoint string) config.ICEConfig {
	return config.ICEConfig{
		Endpoint:   endpoint,
		Username:   "campus",
		Credential: "secret",
		Timeout:    200 * time.Millisecond,
	}
}

func TestResolveProviderSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "campus", user)
		require.Equal(t, "secret", pass)
		body, _ := io.ReadAll(r.Body)
		require.JSONEq(t, `{"format":"urls"}`, string(body))

		_, _ = w.Write([]byte(`{"v":{"iceServers":[
			{"urls":["stun:eu-turn4.xirsys.com"]},
			{"username":"abc","credential":"xyz","urls":["turn:eu-turn4.xirsys.com:80?transport=udp","turns:eu-turn4.xirsys.com:443?transport=tcp"]}
		]},"s":"ok"}`))
	}))
	defer srv.Close()

	servers, tier := NewResolver(providerConfig(srv.URL)).ResolveTier(t.Context())
	require.Equal(t, TierProvider, tier)
	require.Equal(t, []Server{
		{URLs: URLs{"stun:eu-turn4.xirsys.com"}},
		{
			URLs:       URLs{"turn:eu-turn4.xirsys.com:80?transport=udp", "turns:eu-turn4.xirsys.com:443?transport=tcp"},
			Username:   "abc",
			Credential: "xyz",
		},
	}, servers)
}

func TestResolveFallsBack(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"malformed json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"v":{"iceServers":`))
		},
		"missing field": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"s":"error","v":"unauthorized"}`))
		},
		"wrong shape": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"v":{"iceServers":{"urls":"stun:x"}}}`))
		},
		"empty list": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"v":{"iceServers":[]}}`))
		},
		"server without urls": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"v":{"iceServers":[{"username":"u"}]}}`))
		},
		"timeout": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		},
	}

	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			servers, tier := NewResolver(providerConfig(srv.URL)).ResolveTier(t.Context())
			require.Equal(t, TierFallback, tier)
			require.Equal(t, FallbackServers(), servers)
		})
	}
}

// Unreachable provider: the four-entry fallback comes back from a single call.
func TestResolveUnreachableProvider(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	servers := NewResolver(providerConfig(endpoint)).Resolve(t.Context())
	require.Len(t, servers, 4)

	stunCount := 0
	for _, s := range servers[:3] {
		require.Len(t, s.URLs, 1)
		require.Contains(t, s.URLs[0], "stun:")
		require.Empty(t, s.Username)
		stunCount++
	}
	require.Equal(t, 3, stunCount)

	turn := servers[3]
	require.Equal(t, URLs{
		"turn:openrelay.metered.ca:80",
		"turn:openrelay.metered.ca:443",
		"turn:openrelay.metered.ca:443?transport=tcp",
	}, turn.URLs)
	require.Equal(t, "openrelayproject", turn.Username)
	require.Equal(t, "openrelayproject", turn.Credential)
}

func TestResolveUnconfiguredIsSTUNOnly(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	servers, tier := NewResolver(config.ICEConfig{Endpoint: srv.URL}).ResolveTier(t.Context())
	require.Equal(t, TierSTUN, tier)
	require.Equal(t, STUNServers(), servers)
	require.False(t, called)
}

func TestURLsAcceptsSingleString(t *testing.T) {
	var s Server
	require.NoError(t, json.Unmarshal([]byte(`{"urls":"stun:stun.example.org"}`), &s))
	require.Equal(t, URLs{"stun:stun.example.org"}, s.URLs)

	require.Error(t, json.Unmarshal([]byte(`{"urls":42}`), &s))
}

func TestConfigurationForPion(t *testing.T) {
	cfg := Configuration(FallbackServers())
	require.Len(t, cfg.ICEServers, 4)
	require.Nil(t, cfg.ICEServers[0].Credential)
	require.Equal(t, "openrelayproject", cfg.ICEServers[3].Username)
	require.Equal(t, webrtc.ICECredentialTypePassword, cfg.ICEServers[3].CredentialType)
}
