package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActorPath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want *ActorPath
	}{
		{
			name: "plain id with route",
			in:   "/gateway/abc/action/increment",
			want: &ActorPath{ActorID: "abc", RemainingPath: "/action/increment"},
		},
		{
			name: "id with token",
			in:   "/gateway/abc@tok/websocket",
			want: &ActorPath{ActorID: "abc", Token: "tok", RemainingPath: "/websocket"},
		},
		{
			name: "percent-decoded id and token, query kept, fragment stripped",
			in:   "/gateway/actor%2D123@token%2D9/api?q=1#f",
			want: &ActorPath{ActorID: "actor-123", Token: "token-9", RemainingPath: "/api?q=1"},
		},
		{
			name: "query directly after id",
			in:   "/gateway/abc?q=1",
			want: &ActorPath{ActorID: "abc", RemainingPath: "?q=1"},
		},
		{
			name: "bare id",
			in:   "/gateway/abc",
			want: &ActorPath{ActorID: "abc", RemainingPath: ""},
		},
		{name: "empty actor", in: "/gateway//action/x", want: nil},
		{name: "empty token", in: "/gateway/abc@/route", want: nil},
		{name: "capitalized prefix", in: "/Gateway/abc/route", want: nil},
		{name: "double slash in remainder", in: "/gateway/abc//route", want: nil},
		{name: "missing prefix", in: "/actors/abc", want: nil},
		{name: "bad percent escape", in: "/gateway/ab%zz/route", want: nil},
		{name: "empty path", in: "", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseActorPath(tt.in)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}
