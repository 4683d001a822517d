package ice

import (
	"encoding/json"
	"errors"

	"github.com/pion/webrtc/v4"
)

// URLs decodes from either a JSON string or an array of strings.
type URLs []string

func (u *URLs) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*u = URLs{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.New("ice: urls must be a string or an array of strings")
	}
	*u = many
	return nil
}

// Server is one STUN or TURN endpoint handed to a peer connection.
type Server struct {
	URLs       URLs   `json:"urls"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// WebRTC converts s for a pion peer connection.
func (s Server) WebRTC() webrtc.ICEServer {
	server := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
	if s.Username != "" || s.Credential != "" {
		server.Username = s.Username
		server.Credential = s.Credential
		server.CredentialType = webrtc.ICECredentialTypePassword
	}
	return server
}

// Configuration builds a pion configuration from resolved servers.
func Configuration(servers []Server) webrtc.Configuration {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.WebRTC())
	}
	return webrtc.Configuration{ICEServers: out}
}

var publicSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// STUNServers is the credential-free tier.
func STUNServers() []Server {
	servers := make([]Server, 0, len(publicSTUN))
	for _, url := range publicSTUN {
		servers = append(servers, Server{URLs: URLs{url}})
	}
	return servers
}

// FallbackServers is the STUN tier plus the public shared-credential TURN relay.
func FallbackServers() []Server {
	return append(STUNServers(), Server{
		URLs: URLs{
			"turn:openrelay.metered.ca:80",
			"turn:openrelay.metered.ca:443",
			"turn:openrelay.metered.ca:443?transport=tcp",
		},
		Username:   "openrelayproject",
		Credential: "openrelayproject",
	})
}
