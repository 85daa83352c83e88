package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewComfyClientParsesServerURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:8188":              "http://127.0.0.1:8188",
		"http://localhost:8188/":      "http://localhost:8188",
		"https://comfy.example.com":   "https://comfy.example.com",
		"https://host.example/comfy/": "https://host.example/comfy",
		"http://proxy.local/api/":     "http://proxy.local/api",
	}
	for in, want := range cases {
		c, err := NewComfyClient(in, nil)
		require.NoError(t, err, in)
		assert.Equal(t, want, c.BaseURL(), in)
	}

	_, err := NewComfyClient("ftp://host", nil)
	assert.Error(t, err)
}

func TestWebSocketURL(t *testing.T) {
	cases := []struct {
		server string
		want   string
	}{
		{"http://127.0.0.1:8188", "ws://127.0.0.1:8188/ws?clientId=tok"},
		{"https://comfy.example.com", "wss://comfy.example.com/ws?clientId=tok"},
		{"https://proxy.example.com/api", "wss://proxy.example.com/api/ws?clientId=tok"},
		{"http://host/comfy", "ws://host/comfy/ws?clientId=tok"},
	}
	for _, tc := range cases {
		c, err := NewComfyClient(tc.server, nil)
		require.NoError(t, err)
		assert.Equal(t, tc.want, c.WebSocketURL("tok"), tc.server)
	}
}

func TestImageURL(t *testing.T) {
	c, err := NewComfyClient("http://host:8188", nil)
	require.NoError(t, err)
	got := c.ImageURL(ImageRef{Filename: "out 1.png", Subfolder: "", Type: "output"})
	assert.Equal(t, "http://host:8188/view?filename=out+1.png&subfolder=&type=output", got)
}
