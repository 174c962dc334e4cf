// Package event defines the domain events carried through the outbox and
// the broker. Every event is a flat DTO: ids and scalar values only, never
// references to loaded entities.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmehdipour/helpdesk/internal/model"
)

// Type is the event tag. It is stored in outbox.type and doubles as the
// broker routing key and queue name.
type Type string

const (
	TypeTicketCreated  Type = "ticket.created"
	TypeTicketAssigned Type = "ticket.assigned"
	TypeStatusChanged  Type = "ticket.status_changed"
	TypeCommentAdded   Type = "ticket.comment_added"
	TypeSlaBreached    Type = "ticket.sla_breached"
	TypeReminder       Type = "ticket.reminder"
	TypeProfileUpdated Type = "user.profile_updated"
	TypeUserRegistered Type = "user.registered"
)

var ErrUnknownType = errors.New("unknown event type")

func (t Type) String() string { return string(t) }

// Types lists every registered event type.
func Types() []Type {
	return []Type{
		TypeTicketCreated,
		TypeTicketAssigned,
		TypeStatusChanged,
		TypeCommentAdded,
		TypeSlaBreached,
		TypeReminder,
		TypeProfileUpdated,
		TypeUserRegistered,
	}
}

// Event is implemented by every variant.
type Event interface {
	EventType() Type
	AggregateID() string
	Base() *Meta
}

// Meta is embedded in every variant.
type Meta struct {
	EventID    string    `json:"eventId"`
	OccurredAt time.Time `json:"occurredAt"`
	ActorID    *int64    `json:"actorId,omitempty"` // nil for system-originated events
}

func (m *Meta) Base() *Meta { return m }

// MessageID lets the broker stamp the event id on outgoing messages.
func (m *Meta) MessageID() string { return m.EventID }

type TicketCreated struct {
	Meta
	TicketID    int64                `json:"ticketId"`
	Title       string               `json:"title"`
	RequesterID int64                `json:"requesterId"`
	Priority    model.TicketPriority `json:"priority"`
	Category    model.TicketCategory `json:"category"`
}

func (*TicketCreated) EventType() Type       { return TypeTicketCreated }
func (e *TicketCreated) AggregateID() string { return ticketAggregate(e.TicketID) }

type TicketAssigned struct {
	Meta
	TicketID           int64                `json:"ticketId"`
	Title              string               `json:"title"`
	AssigneeID         int64                `json:"assigneeId"`
	PreviousAssigneeID *int64               `json:"previousAssigneeId,omitempty"`
	Priority           model.TicketPriority `json:"priority"`
}

func (*TicketAssigned) EventType() Type       { return TypeTicketAssigned }
func (e *TicketAssigned) AggregateID() string { return ticketAggregate(e.TicketID) }

type StatusChanged struct {
	Meta
	TicketID    int64              `json:"ticketId"`
	RequesterID int64              `json:"requesterId"`
	AssigneeID  *int64             `json:"assigneeId,omitempty"`
	OldStatus   model.TicketStatus `json:"oldStatus"`
	NewStatus   model.TicketStatus `json:"newStatus"`
	Reason      string             `json:"reason,omitempty"`
}

func (*StatusChanged) EventType() Type       { return TypeStatusChanged }
func (e *StatusChanged) AggregateID() string { return ticketAggregate(e.TicketID) }

type CommentAdded struct {
	Meta
	TicketID    int64  `json:"ticketId"`
	CommentID   int64  `json:"commentId"`
	AuthorID    int64  `json:"authorId"`
	RequesterID int64  `json:"requesterId"`
	AssigneeID  *int64 `json:"assigneeId,omitempty"`
	IsInternal  bool   `json:"isInternal"`
	Excerpt     string `json:"excerpt"`
}

func (*CommentAdded) EventType() Type       { return TypeCommentAdded }
func (e *CommentAdded) AggregateID() string { return ticketAggregate(e.TicketID) }

type SlaBreached struct {
	Meta
	TicketID    int64                `json:"ticketId"`
	Title       string               `json:"title"`
	AssigneeID  *int64               `json:"assigneeId,omitempty"`
	OldPriority model.TicketPriority `json:"oldPriority"`
	NewPriority model.TicketPriority `json:"newPriority"`
	HoursOpen   float64              `json:"hoursOpen"`
}

func (*SlaBreached) EventType() Type       { return TypeSlaBreached }
func (e *SlaBreached) AggregateID() string { return ticketAggregate(e.TicketID) }

type Reminder struct {
	Meta
	TicketID          int64                `json:"ticketId"`
	Title             string               `json:"title"`
	AssigneeID        *int64               `json:"assigneeId,omitempty"`
	Priority          model.TicketPriority `json:"priority"`
	HoursSinceCreated float64              `json:"hoursSinceCreated"`
}

func (*Reminder) EventType() Type       { return TypeReminder }
func (e *Reminder) AggregateID() string { return ticketAggregate(e.TicketID) }

type ProfileUpdated struct {
	Meta
	UserID        int64    `json:"userId"`
	ChangedFields []string `json:"changedFields"`
}

func (*ProfileUpdated) EventType() Type       { return TypeProfileUpdated }
func (e *ProfileUpdated) AggregateID() string { return userAggregate(e.UserID) }

type UserRegistered struct {
	Meta
	UserID      int64  `json:"userId"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

func (*UserRegistered) EventType() Type       { return TypeUserRegistered }
func (e *UserRegistered) AggregateID() string { return userAggregate(e.UserID) }

func ticketAggregate(id int64) string { return strconv.FormatInt(id, 10) }

func userAggregate(id int64) string { return "user-" + strconv.FormatInt(id, 10) }

// New returns a zero value of the variant registered for t.
func New(t Type) (Event, error) {
	switch t {
	case TypeTicketCreated:
		return &TicketCreated{}, nil
	case TypeTicketAssigned:
		return &TicketAssigned{}, nil
	case TypeStatusChanged:
		return &StatusChanged{}, nil
	case TypeCommentAdded:
		return &CommentAdded{}, nil
	case TypeSlaBreached:
		return &SlaBreached{}, nil
	case TypeReminder:
		return &Reminder{}, nil
	case TypeProfileUpdated:
		return &ProfileUpdated{}, nil
	case TypeUserRegistered:
		return &UserRegistered{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, string(t))
	}
}

// Decode resolves the type tag and unmarshals payload into the concrete
// variant. Property names match case-insensitively.
func Decode(t Type, payload []byte) (Event, error) {
	e, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return e, nil
}
