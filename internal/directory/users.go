package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/earthapp/mantle/internal/visibility"
)

// ErrInvalidCredentials is returned by Login for an unknown user or a wrong password.
var ErrInvalidCredentials = errors.New("directory: invalid credentials")

// ErrConflict marks a write that violates a uniqueness constraint.
var ErrConflict = errors.New("directory: conflict")

// ErrInvalid marks input rejected before it reaches the database.
var ErrInvalid = errors.New("directory: invalid input")

// User is a stored account. Privacy maps field names to privacy levels.
type User struct {
	ID          int64
	Username    string
	Name        string
	Email       string
	PhoneNumber string
	Address     string
	Bio         string
	Country     string
	Activities  string
	Admin       bool
	Privacy     map[string]visibility.PrivacyLevel
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Fields returns the serialisable profile, keyed by the names the privacy map uses.
func (u User) Fields() map[string]any {
	return map[string]any{
		"id":           u.ID,
		"username":     u.Username,
		"name":         u.Name,
		"email":        u.Email,
		"phone_number": u.PhoneNumber,
		"address":      u.Address,
		"bio":          u.Bio,
		"country":      u.Country,
		"activities":   u.Activities,
		"created_at":   u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// NewUser is the input to CreateUser.
type NewUser struct {
	Username string
	Password string
	Name     string
	Email    string
	Admin    bool
}

// UserPatch lists the profile fields to change. Nil fields are left alone.
type UserPatch struct {
	Name        *string
	Email       *string
	PhoneNumber *string
	Address     *string
	Bio         *string
	Country     *string
	Activities  *string
	Privacy     map[string]visibility.PrivacyLevel
}

// UserQuery filters ListUsers. Search matches username and name.
type UserQuery struct {
	Search string
	Sort   string
	Page   Page
}

func toUser(m userModel) User {
	privacy := make(map[string]visibility.PrivacyLevel, len(m.Privacy))
	for field, level := range m.Privacy {
		privacy[field] = visibility.ParseLevel(level)
	}
	return User{
		ID:          m.ID,
		Username:    m.Username,
		Name:        m.Name,
		Email:       m.Email,
		PhoneNumber: m.PhoneNumber,
		Address:     m.Address,
		Bio:         m.Bio,
		Country:     m.Country,
		Activities:  m.Activities,
		Admin:       m.Admin,
		Privacy:     privacy,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(username, "@")))
}

func (d *Directory) CreateUser(ctx context.Context, in NewUser) (User, error) {
	username := normalizeUsername(in.Username)
	if username == "" || username == "current" {
		return User{}, fmt.Errorf("%w: username %q", ErrInvalid, in.Username)
	}
	if in.Password == "" {
		return User{}, fmt.Errorf("%w: password required", ErrInvalid)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("directory: hash password: %w", err)
	}
	var existing int64
	if err := d.db.WithContext(ctx).Model(&userModel{}).Where("username = ?", username).Count(&existing).Error; err != nil {
		return User{}, err
	}
	if existing > 0 {
		return User{}, fmt.Errorf("%w: username %s taken", ErrConflict, username)
	}
	m := userModel{
		Username:     username,
		Name:         in.Name,
		Email:        strings.ToLower(strings.TrimSpace(in.Email)),
		Admin:        in.Admin,
		PasswordHash: string(hash),
		Privacy:      map[string]string{},
	}
	if err := d.db.WithContext(ctx).Create(&m).Error; err != nil {
		return User{}, err
	}
	return toUser(m), nil
}

func (d *Directory) LoadUser(ctx context.Context, id int64) Result[User] {
	var m userModel
	err := d.db.WithContext(ctx).First(&m, id).Error
	return resultOf(toUser(m), err)
}

func (d *Directory) FindByUsername(ctx context.Context, username string) Result[User] {
	var m userModel
	err := d.db.WithContext(ctx).Where("username = ?", normalizeUsername(username)).First(&m).Error
	return resultOf(toUser(m), err)
}

// UserIDByUsername resolves a username for cache key placeholders.
func (d *Directory) UserIDByUsername(ctx context.Context, username string) (int64, bool, error) {
	res := d.FindByUsername(ctx, username)
	switch res.Status {
	case StatusOK:
		return res.Value.ID, true, nil
	case StatusNotFound:
		return 0, false, nil
	default:
		return 0, false, res.Err
	}
}

func (d *Directory) ListUsers(ctx context.Context, query UserQuery) ([]User, error) {
	page := query.Page.normalize()
	q := d.db.WithContext(ctx).Model(&userModel{})
	if search := strings.TrimSpace(query.Search); search != "" {
		like := "%" + search + "%"
		q = q.Where("username LIKE ? OR name LIKE ?", like, like)
	}
	rows := make([]userModel, 0)
	if err := q.Order(orderBy(query.Sort)).Limit(page.Size).Offset(page.offset()).Find(&rows).Error; err != nil {
		return nil, err
	}
	users := make([]User, 0, len(rows))
	for _, m := range rows {
		users = append(users, toUser(m))
	}
	return users, nil
}

func (d *Directory) UpdateUser(ctx context.Context, id int64, patch UserPatch) Result[User] {
	var m userModel
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&m, id).Error; err != nil {
			return err
		}
		apply := func(dst *string, src *string) {
			if src != nil {
				*dst = *src
			}
		}
		apply(&m.Name, patch.Name)
		apply(&m.Email, patch.Email)
		apply(&m.PhoneNumber, patch.PhoneNumber)
		apply(&m.Address, patch.Address)
		apply(&m.Bio, patch.Bio)
		apply(&m.Country, patch.Country)
		apply(&m.Activities, patch.Activities)
		if len(patch.Privacy) > 0 {
			if m.Privacy == nil {
				m.Privacy = make(map[string]string, len(patch.Privacy))
			}
			for field, level := range patch.Privacy {
				m.Privacy[field] = string(level)
			}
		}
		return tx.Save(&m).Error
	})
	return resultOf(toUser(m), err)
}

// DeleteUser removes the account with its relationships, sessions and events.
func (d *Directory) DeleteUser(ctx context.Context, id int64) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&userModel{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		steps := []func() error{
			func() error { return tx.Where("user_id = ? OR friend_id = ?", id, id).Delete(&friendModel{}).Error },
			func() error { return tx.Where("user_id = ? OR member_id = ?", id, id).Delete(&circleModel{}).Error },
			func() error { return tx.Where("user_id = ?", id).Delete(&sessionModel{}).Error },
			func() error { return tx.Where("user_id = ?", id).Delete(&attendeeModel{}).Error },
			func() error {
				return tx.Where("event_id IN (?)", tx.Model(&eventModel{}).Select("id").Where("owner_id = ?", id)).Delete(&attendeeModel{}).Error
			},
			func() error { return tx.Where("owner_id = ?", id).Delete(&eventModel{}).Error },
		}
		for _, step := range steps {
			if err := step(); err != nil {
				return err
			}
		}
		return nil
	})
}

// FriendsOf lists the ids user has added as friends.
func (d *Directory) FriendsOf(ctx context.Context, userID int64) ([]int64, error) {
	ids := make([]int64, 0)
	err := d.db.WithContext(ctx).Model(&friendModel{}).Where("user_id = ?", userID).Order("friend_id").Pluck("friend_id", &ids).Error
	return ids, err
}

// CircleOf lists the ids in user's circle.
func (d *Directory) CircleOf(ctx context.Context, userID int64) ([]int64, error) {
	ids := make([]int64, 0)
	err := d.db.WithContext(ctx).Model(&circleModel{}).Where("user_id = ?", userID).Order("member_id").Pluck("member_id", &ids).Error
	return ids, err
}

func (d *Directory) AddFriend(ctx context.Context, userID, friendID int64) error {
	if userID == friendID {
		return fmt.Errorf("%w: cannot befriend yourself", ErrInvalid)
	}
	if err := d.requireUser(ctx, friendID); err != nil {
		return err
	}
	m := friendModel{UserID: userID, FriendID: friendID}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error
}

func (d *Directory) RemoveFriend(ctx context.Context, userID, friendID int64) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND friend_id = ?", userID, friendID).Delete(&friendModel{}).Error; err != nil {
			return err
		}
		// Circle members must be friends.
		return tx.Where("user_id = ? AND member_id = ?", userID, friendID).Delete(&circleModel{}).Error
	})
}

// AddToCircle requires memberID to already be in userID's friend list.
func (d *Directory) AddToCircle(ctx context.Context, userID, memberID int64) error {
	var count int64
	if err := d.db.WithContext(ctx).Model(&friendModel{}).Where("user_id = ? AND friend_id = ?", userID, memberID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: user %d is not a friend of %d", ErrInvalid, memberID, userID)
	}
	m := circleModel{UserID: userID, MemberID: memberID}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error
}

func (d *Directory) RemoveFromCircle(ctx context.Context, userID, memberID int64) error {
	return d.db.WithContext(ctx).Where("user_id = ? AND member_id = ?", userID, memberID).Delete(&circleModel{}).Error
}

func (d *Directory) requireUser(ctx context.Context, id int64) error {
	var count int64
	if err := d.db.WithContext(ctx).Model(&userModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

// Party loads what the visibility resolver needs to know about a user.
func (d *Directory) Party(ctx context.Context, user User) (visibility.Party, error) {
	friends, err := d.FriendsOf(ctx, user.ID)
	if err != nil {
		return visibility.Party{}, fmt.Errorf("directory: friends of %d: %w", user.ID, err)
	}
	circle, err := d.CircleOf(ctx, user.ID)
	if err != nil {
		return visibility.Party{}, fmt.Errorf("directory: circle of %d: %w", user.ID, err)
	}
	return visibility.Party{ID: user.ID, Admin: user.Admin, Friends: friends, Circle: circle}, nil
}

// Subject is Party plus the user's privacy map.
func (d *Directory) Subject(ctx context.Context, user User) (visibility.Subject, error) {
	party, err := d.Party(ctx, user)
	if err != nil {
		return visibility.Subject{}, err
	}
	return visibility.Subject{Party: party, Privacy: user.Privacy}, nil
}
