package cachepolicy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildKey(t *testing.T) {
	params := Params{UID: "42", Page: 2, Limit: 25, Sort: "desc", Requester: "0", Named: map[string]string{"fid": "7"}}

	tests := []struct {
		template string
		want     string
	}{
		{template: "user:{uid}:{req_uid}", want: "user:42:0"},
		{template: "users:list:{page}:{limit}:{sort}:{search}:{req_uid}", want: "users:list:2:25:desc::0"},
		{template: "friend:{uid}:{fid}", want: "friend:42:7"},
		{template: "event:{eid}:{req_uid}", want: "event::0"},
		{template: "static", want: "static"},
		{template: "odd:{Upper}:{uid}", want: "odd:{Upper}:42"},
	}
	for _, tc := range tests {
		t.Run(tc.template, func(t *testing.T) {
			require.Equal(t, tc.want, BuildKey(tc.template, params))
		})
	}
}

func TestBuildKeyNeverLeavesPlaceholders(t *testing.T) {
	templates := []string{
		"user:{uid}:{pid}:{aid}:{eid}:{req_uid}",
		"{page}{limit}{sort}{search}{activities}{read}{type}{unknown_name}",
	}
	for _, template := range templates {
		key := BuildKey(template, Params{})
		require.False(t, placeholderRE.MatchString(key), key)
		require.NotContains(t, key, "{")
	}
}

func TestResolvePattern(t *testing.T) {
	params := Params{UID: "42", Requester: "42"}
	require.Equal(t, "user:42:*", ResolvePattern("user:{uid}:*", params))
	require.Equal(t, "event:*:*", ResolvePattern("event:{eid}:*", params))
	require.Equal(t, "user:42:42", ResolvePattern("user:{uid}:{req_uid}", params))
	require.Equal(t, "users:list:*", ResolvePattern("users:list:*", params))
}

func TestLiteralPrefix(t *testing.T) {
	require.Equal(t, "user:42:", literalPrefix("user:42:*"))
	require.Equal(t, "exact", literalPrefix("exact"))
	require.Equal(t, "", literalPrefix("*:x"))
	require.Equal(t, "user::", literalPrefix(stripPlaceholders("user:{uid}:*")))
	require.True(t, strings.HasPrefix(stripPlaceholders("user:{uid}:{req_uid}"), "user::"))
}
