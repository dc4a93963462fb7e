package directory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/earthapp/mantle/internal/visibility"
)

type Event struct {
	ID          int64
	OwnerID     int64
	Title       string
	Description string
	Type        string
	Visibility  visibility.EntityVisibility
	StartsAt    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (e Event) Fields() map[string]any {
	return map[string]any{
		"id":          e.ID,
		"owner_id":    e.OwnerID,
		"title":       e.Title,
		"description": e.Description,
		"type":        e.Type,
		"visibility":  string(e.Visibility),
		"starts_at":   e.StartsAt.UTC().Format(time.RFC3339),
	}
}

type NewEvent struct {
	OwnerID     int64
	Title       string
	Description string
	Type        string
	Visibility  visibility.EntityVisibility
	StartsAt    time.Time
}

type EventPatch struct {
	Title       *string
	Description *string
	Type        *string
	Visibility  *visibility.EntityVisibility
	StartsAt    *time.Time
}

// EventQuery filters ListEvents. Search matches the title.
type EventQuery struct {
	Type   string
	Search string
	Sort   string
	Page   Page
}

func toEvent(m eventModel) Event {
	return Event{
		ID:          m.ID,
		OwnerID:     m.OwnerID,
		Title:       m.Title,
		Description: m.Description,
		Type:        m.Type,
		Visibility:  visibility.EntityVisibility(m.Visibility),
		StartsAt:    m.StartsAt,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func normalizeVisibility(v visibility.EntityVisibility) visibility.EntityVisibility {
	switch upper := visibility.EntityVisibility(strings.ToUpper(strings.TrimSpace(string(v)))); upper {
	case visibility.EntityUnlisted, visibility.EntityPrivate:
		return upper
	default:
		return visibility.EntityPublic
	}
}

func (d *Directory) CreateEvent(ctx context.Context, in NewEvent) (Event, error) {
	if strings.TrimSpace(in.Title) == "" {
		return Event{}, fmt.Errorf("%w: event title required", ErrInvalid)
	}
	m := eventModel{
		OwnerID:     in.OwnerID,
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Type:        strings.ToLower(strings.TrimSpace(in.Type)),
		Visibility:  string(normalizeVisibility(in.Visibility)),
		StartsAt:    in.StartsAt,
	}
	if err := d.db.WithContext(ctx).Create(&m).Error; err != nil {
		return Event{}, err
	}
	return toEvent(m), nil
}

func (d *Directory) LoadEvent(ctx context.Context, id int64) Result[Event] {
	var m eventModel
	err := d.db.WithContext(ctx).First(&m, id).Error
	return resultOf(toEvent(m), err)
}

func (d *Directory) ListEvents(ctx context.Context, query EventQuery) ([]Event, error) {
	page := query.Page.normalize()
	q := d.db.WithContext(ctx).Model(&eventModel{})
	if t := strings.ToLower(strings.TrimSpace(query.Type)); t != "" {
		q = q.Where("type = ?", t)
	}
	if search := strings.TrimSpace(query.Search); search != "" {
		q = q.Where("title LIKE ?", "%"+search+"%")
	}
	rows := make([]eventModel, 0)
	if err := q.Order(orderBy(query.Sort)).Limit(page.Size).Offset(page.offset()).Find(&rows).Error; err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(rows))
	for _, m := range rows {
		events = append(events, toEvent(m))
	}
	return events, nil
}

func (d *Directory) UpdateEvent(ctx context.Context, id int64, patch EventPatch) Result[Event] {
	var m eventModel
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&m, id).Error; err != nil {
			return err
		}
		if patch.Title != nil {
			m.Title = strings.TrimSpace(*patch.Title)
		}
		if patch.Description != nil {
			m.Description = *patch.Description
		}
		if patch.Type != nil {
			m.Type = strings.ToLower(strings.TrimSpace(*patch.Type))
		}
		if patch.Visibility != nil {
			m.Visibility = string(normalizeVisibility(*patch.Visibility))
		}
		if patch.StartsAt != nil {
			m.StartsAt = *patch.StartsAt
		}
		return tx.Save(&m).Error
	})
	return resultOf(toEvent(m), err)
}

func (d *Directory) DeleteEvent(ctx context.Context, id int64) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&eventModel{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("event_id = ?", id).Delete(&attendeeModel{}).Error
	})
}

func (d *Directory) AttendeesOf(ctx context.Context, eventID int64) ([]int64, error) {
	ids := make([]int64, 0)
	err := d.db.WithContext(ctx).Model(&attendeeModel{}).Where("event_id = ?", eventID).Order("user_id").Pluck("user_id", &ids).Error
	return ids, err
}

func (d *Directory) AddAttendee(ctx context.Context, eventID, userID int64) error {
	m := attendeeModel{EventID: eventID, UserID: userID}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error
}

// VisibleEntity assembles the facts visibility.CanView needs for an event.
func (d *Directory) VisibleEntity(ctx context.Context, event Event) (visibility.Entity, error) {
	owner := d.LoadUser(ctx, event.OwnerID)
	ownerParty := visibility.Party{ID: event.OwnerID}
	if owner.Status == StatusFailed {
		return visibility.Entity{}, owner.Err
	}
	if owner.Found() {
		party, err := d.Party(ctx, owner.Value)
		if err != nil {
			return visibility.Entity{}, err
		}
		ownerParty = party
	}
	members, err := d.AttendeesOf(ctx, event.ID)
	if err != nil {
		return visibility.Entity{}, err
	}
	return visibility.Entity{Visibility: event.Visibility, Owner: ownerParty, Members: members}, nil
}
