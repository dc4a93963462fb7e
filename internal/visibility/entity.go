package visibility

// EntityVisibility governs whole entities such as events.
type EntityVisibility string

const (
	EntityPublic   EntityVisibility = "PUBLIC"
	EntityUnlisted EntityVisibility = "UNLISTED"
	EntityPrivate  EntityVisibility = "PRIVATE"
)

// Entity is what CanView needs to know about an event or prompt.
type Entity struct {
	Visibility EntityVisibility
	Owner      Party
	Members    []int64
}

// CanView reports whether requester may see entity. UNLISTED only requires a
// signed-in requester. PRIVATE requires admin, ownership, membership, or
// mutual friendship with the owner. Unknown values are treated as PUBLIC.
func CanView(entity Entity, requester *Party) bool {
	switch entity.Visibility {
	case EntityUnlisted:
		return requester != nil
	case EntityPrivate:
		if requester == nil {
			return false
		}
		if requester.Admin || requester.ID == entity.Owner.ID {
			return true
		}
		if contains(entity.Members, requester.ID) {
			return true
		}
		return contains(entity.Owner.Friends, requester.ID) && contains(requester.Friends, entity.Owner.ID)
	default:
		return true
	}
}
