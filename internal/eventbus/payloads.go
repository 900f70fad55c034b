package eventbus

import (
	"time"

	"github.com/baechuer/productbazar-client/internal/domain"
)

// ProductUpdatedEvent is published on ProductUpdated. OldSlug is set when the slug changed.
type ProductUpdatedEvent struct {
	Slug    string
	OldSlug string
	ID      string
	Product domain.Product
}

// ProductDeletedEvent is published on ProductDeleted.
type ProductDeletedEvent struct {
	Slug              string
	ID                string
	WasAlreadyDeleted bool
}

// CountUpdatedEvent is published on UpvoteUpdated and BookmarkUpdated.
// UserFlag is nil when the change was made by somebody else.
type CountUpdatedEvent struct {
	ProductID string
	Slug      string
	Count     int
	Action    string
	UserID    string
	UserFlag  *bool
}

// ViewUpdatedEvent is published on ViewUpdated.
type ViewUpdatedEvent struct {
	ProductID string
	Slug      string
	ViewCount *int
	Duration  float64
	Source    string
	At        time.Time
}

// TokenRefreshedEvent is published on TokenRefreshed. User is nil when the refresh response had none.
type TokenRefreshedEvent struct {
	Token string
	User  *domain.User
}

// UserUpdatedEvent is published on UserUpdated. User is nil after sign-out.
type UserUpdatedEvent struct {
	User     *domain.User
	NextStep domain.NextStep
}

// SocketStateEvent is published on SocketConnected and SocketDisconnected.
type SocketStateEvent struct {
	Reason string
}
