package room

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	cases := []struct {
		name        string
		destination string
		want        string
	}{
		{name: "subscribe destination", destination: "/sub/chat/room/lobby", want: "lobby"},
		{name: "publish destination", destination: "/pub/chat/room/42", want: "42"},
		{name: "surrounding whitespace", destination: "  /sub/chat/room/lobby\n", want: "lobby"},
		{name: "uuid room", destination: "/sub/chat/room/0b6f3c1e-9c1d-4b8e-a1a3-1f7f1e2d9c10", want: "0b6f3c1e-9c1d-4b8e-a1a3-1f7f1e2d9c10"},
		{name: "empty", destination: "", want: InvalidRoom},
		{name: "prefix only", destination: "/sub/chat/room/", want: InvalidRoom},
		{name: "nested segment", destination: "/sub/chat/room/a/b", want: InvalidRoom},
		{name: "inner whitespace", destination: "/sub/chat/room/a b", want: InvalidRoom},
		{name: "unknown prefix", destination: "/topic/lobby", want: InvalidRoom},
		{name: "missing leading slash", destination: "sub/chat/room/lobby", want: InvalidRoom},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Resolve(tc.destination))
		})
	}
}

func TestResolver_CustomPrefixes(t *testing.T) {
	req := require.New(t)
	resolver := NewResolver("/topic/rooms.")

	req.Equal("general", resolver.Resolve("/topic/rooms.general"))
	req.Equal(InvalidRoom, resolver.Resolve("/sub/chat/room/general"))
}

func TestResolve_IsDeterministic(t *testing.T) {
	req := require.New(t)
	for range 3 {
		req.Equal(InvalidRoom, Resolve("%%%"))
		req.Equal("lobby", Resolve("/sub/chat/room/lobby"))
	}
}
