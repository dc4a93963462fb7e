package cachepolicy

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockUsers struct{ mock.Mock }

func (m *mockUsers) UserIDByUsername(ctx context.Context, username string) (int64, bool, error) {
	args := m.Called(ctx, username)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func TestExtractPathParamsPositionalSlots(t *testing.T) {
	pattern := regexp.MustCompile(`^/v2/users/(\d+)/activities/(\d+)/prompts/(\d+)$`)
	params, err := ExtractPathParams(context.Background(), pattern, "/v2/users/42/activities/7/prompts/9", 0, nil)
	require.NoError(t, err)
	require.Equal(t, "42", params.UID)
	require.Equal(t, "7", params.PID)
	require.Equal(t, "9", params.AID)
	require.Empty(t, params.EID)
}

func TestExtractPathParamsNamedGroups(t *testing.T) {
	pattern := regexp.MustCompile(`^/v2/events/(?P<eid>\d+)/attendees/(?P<fid>\d+)$`)
	params, err := ExtractPathParams(context.Background(), pattern, "/v2/events/5/attendees/8", 0, nil)
	require.NoError(t, err)
	require.Equal(t, "5", params.EID)
	require.Empty(t, params.UID, "named groups do not fill positional slots")
	value, ok := params.Lookup("fid")
	require.True(t, ok)
	require.Equal(t, "8", value)
}

func TestExtractPathParamsUserReferences(t *testing.T) {
	pattern := regexp.MustCompile(`^/v2/users/([^/]+)$`)
	ctx := context.Background()

	users := &mockUsers{}
	users.On("UserIDByUsername", ctx, "ada").Return(int64(42), true, nil).Twice()
	users.On("UserIDByUsername", ctx, "ghost").Return(int64(0), false, nil).Once()
	users.On("UserIDByUsername", ctx, "broken").Return(int64(0), false, errors.New("db down")).Once()

	params, err := ExtractPathParams(ctx, pattern, "/v2/users/@ada", 0, users)
	require.NoError(t, err)
	require.Equal(t, "42", params.UID)

	params, err = ExtractPathParams(ctx, pattern, "/v2/users/ada", 0, users)
	require.NoError(t, err)
	require.Equal(t, "42", params.UID)

	params, err = ExtractPathParams(ctx, pattern, "/v2/users/ghost", 0, users)
	require.NoError(t, err)
	require.Empty(t, params.UID)

	_, err = ExtractPathParams(ctx, pattern, "/v2/users/broken", 0, users)
	require.Error(t, err)

	params, err = ExtractPathParams(ctx, pattern, "/v2/users/current", 42, users)
	require.NoError(t, err)
	require.Equal(t, "42", params.UID)

	params, err = ExtractPathParams(ctx, pattern, "/v2/users/current", 0, users)
	require.NoError(t, err)
	require.Empty(t, params.UID, "anonymous current resolves to nobody")

	users.AssertExpectations(t)
}

func TestExtractPathParamsNoMatch(t *testing.T) {
	pattern := regexp.MustCompile(`^/v2/events/(\d+)$`)
	params, err := ExtractPathParams(context.Background(), pattern, "/v2/users/1", 0, nil)
	require.NoError(t, err)
	require.Equal(t, Params{}, params)
}

func TestApplyPlaceholdersDefaults(t *testing.T) {
	params := ApplyPlaceholders(Params{UID: "42"}, url.Values{}, 0)
	require.Equal(t, 1, params.Page)
	require.Equal(t, 25, params.Limit)
	require.Equal(t, "desc", params.Sort)
	require.Equal(t, "0", params.Requester)
	require.Empty(t, params.Search)
	require.Equal(t, "42", params.UID)

	params = ApplyPlaceholders(Params{}, url.Values{"page": {"-3"}, "limit": {"abc"}, "sort": {"ASC"}}, 7)
	require.Equal(t, 1, params.Page)
	require.Equal(t, 25, params.Limit)
	require.Equal(t, "asc", params.Sort)
	require.Equal(t, "7", params.Requester)
}

func TestApplyPlaceholdersHashesFreeText(t *testing.T) {
	query := url.Values{
		"search":     {"ada lovelace"},
		"activities": {"hiking,chess"},
		"read":       {"unread"},
		"type":       {"meetup"},
		"page":       {"3"},
		"limit":      {"10"},
	}
	params := ApplyPlaceholders(Params{}, query, 0)
	require.Len(t, params.Search, 16)
	require.Len(t, params.Activities, 16)
	require.NotEqual(t, params.Search, params.Activities)
	require.Equal(t, "unread", params.Read)
	require.Equal(t, "meetup", params.Type)

	key := BuildKey("users:list:{page}:{limit}:{sort}:{search}:{activities}:{read}:{type}:{req_uid}", params)
	require.NotContains(t, key, "ada")
	require.NotContains(t, key, "hiking")
	require.Contains(t, key, "users:list:3:10:desc:")

	again := ApplyPlaceholders(Params{}, query, 0)
	require.Equal(t, params.Search, again.Search, "digest is deterministic")
}
