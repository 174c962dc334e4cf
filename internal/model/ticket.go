package model

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"
)

type TicketStatus string

const (
	StatusOpen       TicketStatus = "Open"
	StatusInProgress TicketStatus = "InProgress"
	StatusOnHold     TicketStatus = "OnHold"
	StatusResolved   TicketStatus = "Resolved"
	StatusClosed     TicketStatus = "Closed"
)

var ticketStatuses = []TicketStatus{StatusOpen, StatusInProgress, StatusOnHold, StatusResolved, StatusClosed}

func (s TicketStatus) String() string { return string(s) }

func (s TicketStatus) Valid() bool {
	for _, v := range ticketStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// ParseTicketStatus matches case-insensitively and returns the canonical value.
func ParseTicketStatus(raw string) (TicketStatus, error) {
	raw = strings.TrimSpace(raw)
	for _, v := range ticketStatuses {
		if strings.EqualFold(raw, string(v)) {
			return v, nil
		}
	}
	return "", fmt.Errorf("invalid ticket status %q", raw)
}

func (s TicketStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid ticket status %q", string(s))
	}
	return []byte(s), nil
}

func (s *TicketStatus) UnmarshalText(b []byte) error {
	v, err := ParseTicketStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s *TicketStatus) Scan(src any) error {
	raw, err := scanString(src)
	if err != nil {
		return fmt.Errorf("scan ticket status: %w", err)
	}
	return s.UnmarshalText([]byte(raw))
}

func (s TicketStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid ticket status %q", string(s))
	}
	return string(s), nil
}

type TicketPriority string

const (
	PriorityLow      TicketPriority = "Low"
	PriorityMedium   TicketPriority = "Medium"
	PriorityHigh     TicketPriority = "High"
	PriorityCritical TicketPriority = "Critical"
)

var ticketPriorities = []TicketPriority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

func (p TicketPriority) String() string { return string(p) }

func (p TicketPriority) Valid() bool {
	for _, v := range ticketPriorities {
		if p == v {
			return true
		}
	}
	return false
}

func ParseTicketPriority(raw string) (TicketPriority, error) {
	raw = strings.TrimSpace(raw)
	for _, v := range ticketPriorities {
		if strings.EqualFold(raw, string(v)) {
			return v, nil
		}
	}
	return "", fmt.Errorf("invalid ticket priority %q", raw)
}

func (p TicketPriority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid ticket priority %q", string(p))
	}
	return []byte(p), nil
}

func (p *TicketPriority) UnmarshalText(b []byte) error {
	v, err := ParseTicketPriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (p *TicketPriority) Scan(src any) error {
	raw, err := scanString(src)
	if err != nil {
		return fmt.Errorf("scan ticket priority: %w", err)
	}
	return p.UnmarshalText([]byte(raw))
}

func (p TicketPriority) Value() (driver.Value, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid ticket priority %q", string(p))
	}
	return string(p), nil
}

type TicketCategory string

const (
	CategoryGeneral   TicketCategory = "General"
	CategoryTechnical TicketCategory = "Technical"
	CategoryBilling   TicketCategory = "Billing"
	CategoryAccount   TicketCategory = "Account"
)

var ticketCategories = []TicketCategory{CategoryGeneral, CategoryTechnical, CategoryBilling, CategoryAccount}

func (c TicketCategory) String() string { return string(c) }

func (c TicketCategory) Valid() bool {
	for _, v := range ticketCategories {
		if c == v {
			return true
		}
	}
	return false
}

func ParseTicketCategory(raw string) (TicketCategory, error) {
	raw = strings.TrimSpace(raw)
	for _, v := range ticketCategories {
		if strings.EqualFold(raw, string(v)) {
			return v, nil
		}
	}
	return "", fmt.Errorf("invalid ticket category %q", raw)
}

func (c TicketCategory) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid ticket category %q", string(c))
	}
	return []byte(c), nil
}

func (c *TicketCategory) UnmarshalText(b []byte) error {
	v, err := ParseTicketCategory(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func (c *TicketCategory) Scan(src any) error {
	raw, err := scanString(src)
	if err != nil {
		return fmt.Errorf("scan ticket category: %w", err)
	}
	return c.UnmarshalText([]byte(raw))
}

func (c TicketCategory) Value() (driver.Value, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid ticket category %q", string(c))
	}
	return string(c), nil
}

func scanString(src any) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", fmt.Errorf("unexpected NULL")
	default:
		return "", fmt.Errorf("unsupported type %T", src)
	}
}

// Ticket is the subset of the tickets table the lifecycle scans and consumers read.
type Ticket struct {
	ID          int64          `db:"id"`
	Title       string         `db:"title"`
	Status      TicketStatus   `db:"status"`
	Priority    TicketPriority `db:"priority"`
	Category    TicketCategory `db:"category"`
	RequesterID int64          `db:"requester_id"`
	AssigneeID  *int64         `db:"assignee_id"` // nullable
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// Comment is a row in ticket_comments. AuthorID is nil for system-authored comments.
type Comment struct {
	ID         int64     `db:"id"`
	TicketID   int64     `db:"ticket_id"`
	AuthorID   *int64    `db:"author_id"`
	Body       string    `db:"body"`
	IsInternal bool      `db:"is_internal"`
	CreatedAt  time.Time `db:"created_at"`
}

// AuditEntry is a row in audit_logs. ActorID is nil when the system made the change.
type AuditEntry struct {
	ID        int64     `db:"id"`
	TicketID  int64     `db:"ticket_id"`
	Action    string    `db:"action"`
	Field     string    `db:"field"`
	OldValue  string    `db:"old_value"`
	NewValue  string    `db:"new_value"`
	ActorID   *int64    `db:"actor_id"`
	CreatedAt time.Time `db:"created_at"`
}
