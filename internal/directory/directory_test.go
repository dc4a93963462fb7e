package directory

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/earthapp/mantle/internal/visibility"
)

func newTestDirectory(t *testing.T, now func() time.Time) *Directory {
	t.Helper()
	ctx := context.Background()
	db, err := Open(filepath.Join(t.TempDir(), "mantle_test.db"))
	require.NoError(t, err)
	require.NoError(t, RunMigrations(ctx, db))
	dir := New(db, now)
	t.Cleanup(func() { _ = dir.Close() })
	return dir
}

func mustCreateUser(t *testing.T, dir *Directory, username string) User {
	t.Helper()
	user, err := dir.CreateUser(context.Background(), NewUser{Username: username, Password: "secret-" + username, Name: username})
	require.NoError(t, err)
	return user
}

func TestResultStatuses(t *testing.T) {
	value, err := Ok(7).Get()
	require.NoError(t, err)
	require.Equal(t, 7, value)

	_, err = NotFound[int]().Get()
	require.ErrorIs(t, err, ErrNotFound)

	boom := errors.New("boom")
	res := Failed[int](boom)
	require.False(t, res.Found())
	_, err = res.Get()
	require.ErrorIs(t, err, boom)
}

func TestUsersRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory(t, nil)

	ada := mustCreateUser(t, dir, "@Ada")
	require.Equal(t, "ada", ada.Username)

	_, err := dir.CreateUser(ctx, NewUser{Username: "ada", Password: "x"})
	require.ErrorIs(t, err, ErrConflict)
	_, err = dir.CreateUser(ctx, NewUser{Username: "current", Password: "x"})
	require.ErrorIs(t, err, ErrInvalid)

	loaded := dir.LoadUser(ctx, ada.ID)
	require.True(t, loaded.Found())
	require.Equal(t, "ada", loaded.Value.Username)

	require.Equal(t, StatusNotFound, dir.LoadUser(ctx, 999).Status)

	id, ok, err := dir.UserIDByUsername(ctx, "@ada")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ada.ID, id)
	_, ok, err = dir.UserIDByUsername(ctx, "ghost")
	require.NoError(t, err)
	require.False(t, ok)

	bio := "hello"
	updated := dir.UpdateUser(ctx, ada.ID, UserPatch{Bio: &bio, Privacy: map[string]visibility.PrivacyLevel{"bio": visibility.Private}})
	require.True(t, updated.Found())
	require.Equal(t, "hello", updated.Value.Bio)
	require.Equal(t, visibility.Private, updated.Value.Privacy["bio"])

	reloaded := dir.LoadUser(ctx, ada.ID)
	require.Equal(t, visibility.Private, reloaded.Value.Privacy["bio"])

	require.Equal(t, StatusNotFound, dir.UpdateUser(ctx, 999, UserPatch{Bio: &bio}).Status)
}

func TestListUsersPaginatesAndSearches(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory(t, nil)
	for _, name := range []string{"ada", "grace", "linus", "alan"} {
		mustCreateUser(t, dir, name)
	}

	all, err := dir.ListUsers(ctx, UserQuery{Sort: "asc"})
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, "ada", all[0].Username)

	page, err := dir.ListUsers(ctx, UserQuery{Sort: "desc", Page: Page{Number: 2, Size: 3}})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "ada", page[0].Username)

	found, err := dir.ListUsers(ctx, UserQuery{Search: "a"})
	require.NoError(t, err)
	require.Len(t, found, 3)
}

func TestRelationshipsFeedVisibility(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory(t, nil)
	ada := mustCreateUser(t, dir, "ada")
	grace := mustCreateUser(t, dir, "grace")
	linus := mustCreateUser(t, dir, "linus")

	require.NoError(t, dir.AddFriend(ctx, ada.ID, linus.ID))
	require.NoError(t, dir.AddFriend(ctx, grace.ID, linus.ID))
	require.NoError(t, dir.AddFriend(ctx, ada.ID, linus.ID), "adding twice is a no-op")
	require.ErrorIs(t, dir.AddFriend(ctx, ada.ID, ada.ID), ErrInvalid)
	require.ErrorIs(t, dir.AddFriend(ctx, ada.ID, 999), ErrNotFound)

	require.ErrorIs(t, dir.AddToCircle(ctx, ada.ID, grace.ID), ErrInvalid, "circle members must be friends")
	require.NoError(t, dir.AddToCircle(ctx, ada.ID, linus.ID))

	subject, err := dir.Subject(ctx, ada)
	require.NoError(t, err)
	require.Equal(t, []int64{linus.ID}, subject.Friends)
	require.Equal(t, []int64{linus.ID}, subject.Circle)

	requester, err := dir.Party(ctx, grace)
	require.NoError(t, err)
	require.True(t, visibility.IsFieldVisible(subject.Party, &requester, visibility.Mutual))
	require.False(t, visibility.IsFieldVisible(subject.Party, &requester, visibility.Circle))

	require.NoError(t, dir.RemoveFriend(ctx, ada.ID, linus.ID))
	circle, err := dir.CircleOf(ctx, ada.ID)
	require.NoError(t, err)
	require.Empty(t, circle)
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dir := newTestDirectory(t, func() time.Time { return now })
	ada := mustCreateUser(t, dir, "ada")

	_, _, err := dir.Login(ctx, "ada", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = dir.Login(ctx, "nobody", "x")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	token, user, err := dir.Login(ctx, "ada", "secret-ada")
	require.NoError(t, err)
	require.Equal(t, ada.ID, user.ID)
	require.NotEmpty(t, token)

	req := httptest.NewRequest("GET", "/v2/users/current", nil)
	require.Equal(t, StatusNotFound, dir.ResolveRequester(req).Status)

	req.Header.Set("Authorization", "Bearer "+token)
	resolved := dir.ResolveRequester(req)
	require.True(t, resolved.Found())
	require.Equal(t, ada.ID, resolved.Value.ID)

	now = now.Add(DefaultSessionTTL + time.Second)
	require.Equal(t, StatusNotFound, dir.ResolveRequester(req).Status)

	now = now.Add(-DefaultSessionTTL)
	require.NoError(t, dir.Logout(ctx, token))
	require.Equal(t, StatusNotFound, dir.ResolveRequester(req).Status)
}

func TestEventsAndEntityVisibility(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory(t, nil)
	owner := mustCreateUser(t, dir, "owner")
	guest := mustCreateUser(t, dir, "guest")
	stranger := mustCreateUser(t, dir, "stranger")

	event, err := dir.CreateEvent(ctx, NewEvent{OwnerID: owner.ID, Title: "Cleanup", Type: "Outdoor", Visibility: "private"})
	require.NoError(t, err)
	require.Equal(t, visibility.EntityPrivate, event.Visibility)
	require.Equal(t, "outdoor", event.Type)

	_, err = dir.CreateEvent(ctx, NewEvent{OwnerID: owner.ID, Title: "Meetup", Type: "indoor"})
	require.NoError(t, err)

	outdoor, err := dir.ListEvents(ctx, EventQuery{Type: "outdoor"})
	require.NoError(t, err)
	require.Len(t, outdoor, 1)

	require.NoError(t, dir.AddAttendee(ctx, event.ID, guest.ID))
	entity, err := dir.VisibleEntity(ctx, event)
	require.NoError(t, err)

	guestParty, err := dir.Party(ctx, guest)
	require.NoError(t, err)
	strangerParty, err := dir.Party(ctx, stranger)
	require.NoError(t, err)
	require.True(t, visibility.CanView(entity, &guestParty))
	require.False(t, visibility.CanView(entity, &strangerParty))

	title := "Beach cleanup"
	updated := dir.UpdateEvent(ctx, event.ID, EventPatch{Title: &title})
	require.True(t, updated.Found())
	require.Equal(t, title, updated.Value.Title)

	require.NoError(t, dir.DeleteEvent(ctx, event.ID))
	require.ErrorIs(t, dir.DeleteEvent(ctx, event.ID), ErrNotFound)
	require.Equal(t, StatusNotFound, dir.LoadEvent(ctx, event.ID).Status)
}

func TestDeleteUserRemovesOwnedData(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory(t, nil)
	ada := mustCreateUser(t, dir, "ada")
	grace := mustCreateUser(t, dir, "grace")
	require.NoError(t, dir.AddFriend(ctx, grace.ID, ada.ID))
	event, err := dir.CreateEvent(ctx, NewEvent{OwnerID: ada.ID, Title: "Picnic"})
	require.NoError(t, err)

	require.NoError(t, dir.DeleteUser(ctx, ada.ID))
	require.ErrorIs(t, dir.DeleteUser(ctx, ada.ID), ErrNotFound)

	friends, err := dir.FriendsOf(ctx, grace.ID)
	require.NoError(t, err)
	require.Empty(t, friends)
	require.Equal(t, StatusNotFound, dir.LoadEvent(ctx, event.ID).Status)
}
