package directory

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Login verifies a password and opens a bearer session. The plain token is
// returned once; only its digest is stored.
func (d *Directory) Login(ctx context.Context, username, password string) (string, User, error) {
	var m userModel
	if err := d.db.WithContext(ctx).Where("username = ?", normalizeUsername(username)).First(&m).Error; err != nil {
		return "", User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(m.PasswordHash), []byte(password)); err != nil {
		return "", User{}, ErrInvalidCredentials
	}
	plain, hash, err := newTokenPair()
	if err != nil {
		return "", User{}, fmt.Errorf("directory: issue token: %w", err)
	}
	session := sessionModel{UserID: m.ID, TokenHash: hash, ExpiresAt: d.now().Add(d.sessionTTL)}
	if err := d.db.WithContext(ctx).Create(&session).Error; err != nil {
		return "", User{}, err
	}
	return plain, toUser(m), nil
}

// Logout revokes the session behind token. Unknown tokens are ignored.
func (d *Directory) Logout(ctx context.Context, token string) error {
	return d.db.WithContext(ctx).Where("token_hash = ?", hashToken(token)).Delete(&sessionModel{}).Error
}

// ResolveRequester maps the bearer token on r to its user. Requests without a
// valid, unexpired session resolve to NotFound, meaning anonymous.
func (d *Directory) ResolveRequester(r *http.Request) Result[User] {
	token := BearerToken(r)
	if token == "" {
		return NotFound[User]()
	}
	ctx := r.Context()
	var session sessionModel
	err := d.db.WithContext(ctx).Where("token_hash = ? AND expires_at > ?", hashToken(token), d.now()).First(&session).Error
	if res := resultOf(session, err); !res.Found() {
		return Result[User]{Status: res.Status, Err: res.Err}
	}
	return d.LoadUser(ctx, session.UserID)
}

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func newTokenPair() (string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	plain := base64.RawURLEncoding.EncodeToString(raw)
	return plain, hashToken(plain), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", sum[:])
}

type requesterContextKey struct{}

// WithRequester attaches the resolved requester to ctx for downstream handlers.
func WithRequester(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, requesterContextKey{}, user)
}

// RequesterFrom returns the requester attached by WithRequester. ok is false
// for anonymous requests.
func RequesterFrom(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(requesterContextKey{}).(User)
	return user, ok
}
