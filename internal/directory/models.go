package directory

import "time"

type userModel struct {
	ID           int64  `gorm:"primaryKey"`
	Username     string `gorm:"not null;uniqueIndex"`
	Name         string
	Email        string
	PhoneNumber  string
	Address      string
	Bio          string
	Country      string
	Activities   string
	Admin        bool              `gorm:"not null;default:false"`
	PasswordHash string            `gorm:"not null"`
	Privacy      map[string]string `gorm:"serializer:json"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (userModel) TableName() string { return "users" }

type friendModel struct {
	UserID    int64 `gorm:"primaryKey"`
	FriendID  int64 `gorm:"primaryKey"`
	CreatedAt time.Time
}

func (friendModel) TableName() string { return "friends" }

type circleModel struct {
	UserID    int64 `gorm:"primaryKey"`
	MemberID  int64 `gorm:"primaryKey"`
	CreatedAt time.Time
}

func (circleModel) TableName() string { return "circle_members" }

type sessionModel struct {
	ID        int64  `gorm:"primaryKey"`
	UserID    int64  `gorm:"not null;index"`
	TokenHash string `gorm:"not null;uniqueIndex"`
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (sessionModel) TableName() string { return "sessions" }

type eventModel struct {
	ID          int64 `gorm:"primaryKey"`
	OwnerID     int64 `gorm:"not null;index"`
	Title       string
	Description string
	Type        string
	Visibility  string
	StartsAt    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (eventModel) TableName() string { return "events" }

type attendeeModel struct {
	EventID   int64 `gorm:"primaryKey"`
	UserID    int64 `gorm:"primaryKey"`
	CreatedAt time.Time
}

func (attendeeModel) TableName() string { return "event_attendees" }
