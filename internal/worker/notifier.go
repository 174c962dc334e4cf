package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/jmehdipour/helpdesk/internal/event"
	"github.com/jmehdipour/helpdesk/internal/model"
	"github.com/jmehdipour/helpdesk/internal/push"
	"github.com/jmehdipour/helpdesk/internal/repository"
)

// NotificationSink is the write side of the notification queue.
type NotificationSink interface {
	Enqueue(ctx context.Context, userID int64, n model.Notification) (model.Notification, error)
}

// TicketReader loads tickets for enrichment.
type TicketReader interface {
	Get(ctx context.Context, id int64) (model.Ticket, error)
}

// Notifier turns domain events into queued notifications and push frames.
// Queue writes are the durable part and their failures requeue the message;
// push failures are only logged.
type Notifier struct {
	Queue   NotificationSink
	Push    push.Pusher
	Tickets TicketReader
	Dedup   Deduper
	Log     *zap.Logger

	ActionBaseURL string
}

func NewNotifier(q NotificationSink, p push.Pusher, tickets TicketReader, dedup Deduper, actionBaseURL string, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	if actionBaseURL == "" {
		actionBaseURL = "/tickets"
	}
	return &Notifier{Queue: q, Push: p, Tickets: tickets, Dedup: dedup, Log: log, ActionBaseURL: strings.TrimRight(actionBaseURL, "/")}
}

// Bindings returns one queue per event type, named after the type.
func (n *Notifier) Bindings() []Binding {
	handlers := map[event.Type]func(context.Context, event.Event) error{
		event.TypeTicketCreated:  n.onTicketCreated,
		event.TypeTicketAssigned: n.onTicketAssigned,
		event.TypeStatusChanged:  n.onStatusChanged,
		event.TypeCommentAdded:   n.onCommentAdded,
		event.TypeSlaBreached:    n.onSlaBreached,
		event.TypeReminder:       n.onReminder,
		event.TypeProfileUpdated: n.onProfileUpdated,
		event.TypeUserRegistered: n.onUserRegistered,
	}
	out := make([]Binding, 0, len(handlers))
	for _, t := range event.Types() {
		fn, ok := handlers[t]
		if !ok {
			continue
		}
		q := t.String()
		out = append(out, Binding{Queue: q, Handler: eventHandler(q, t, n.Dedup, n.Log, fn)})
	}
	return out
}

func (n *Notifier) actionURL(ticketID int64) string {
	return n.ActionBaseURL + "/" + strconv.FormatInt(ticketID, 10)
}

// title returns fallback when set, otherwise loads it.
func (n *Notifier) title(ctx context.Context, ticketID int64, fallback string) (string, error) {
	if fallback != "" {
		return fallback, nil
	}
	t, err := n.Tickets.Get(ctx, ticketID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", permanent(fmt.Errorf("ticket %d: %w", ticketID, err))
	}
	if err != nil {
		return "", err
	}
	return t.Title, nil
}

func (n *Notifier) notify(ctx context.Context, userID int64, note model.Notification, frame string, p push.Payload) error {
	if _, err := n.Queue.Enqueue(ctx, userID, note); err != nil {
		return fmt.Errorf("enqueue for user %d: %w", userID, err)
	}
	n.pushTo(ctx, &userID, frame, p)
	return nil
}

// pushTo sends to userID, or to everyone when userID is nil.
func (n *Notifier) pushTo(ctx context.Context, userID *int64, frame string, p push.Payload) {
	var err error
	if userID == nil {
		err = n.Push.PushToAll(ctx, frame, p)
	} else {
		err = n.Push.PushToUser(ctx, *userID, frame, p)
	}
	if err != nil {
		n.Log.Warn("push failed", zap.String("event", frame), zap.Int64("ticket_id", p.TicketID), zap.Error(err))
	}
}

func ticketMeta(ticketID int64, extra ...string) map[string]string {
	m := map[string]string{"ticketId": strconv.FormatInt(ticketID, 10)}
	for i := 0; i+1 < len(extra); i += 2 {
		m[extra[i]] = extra[i+1]
	}
	return m
}

func (n *Notifier) onTicketCreated(ctx context.Context, ev event.Event) error {
	e := ev.(*event.TicketCreated)
	n.pushTo(ctx, nil, push.EventTicketUpdated, push.Payload{
		TicketID:  e.TicketID,
		NewStatus: model.StatusOpen.String(),
		Message:   fmt.Sprintf("New ticket #%d: %s", e.TicketID, e.Title),
		Timestamp: e.OccurredAt,
		Priority:  e.Priority.String(),
		ActionURL: n.actionURL(e.TicketID),
		ShowToast: false,
	})
	return nil
}

func (n *Notifier) onTicketAssigned(ctx context.Context, ev event.Event) error {
	e := ev.(*event.TicketAssigned)
	if e.ActorID != nil && *e.ActorID == e.AssigneeID {
		return nil // self-assignment
	}
	title, err := n.title(ctx, e.TicketID, e.Title)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("Ticket #%d \"%s\" has been assigned to you", e.TicketID, title)
	return n.notify(ctx, e.AssigneeID, model.Notification{
		Type:      "ticket_assigned",
		Title:     "Ticket assigned",
		Body:      msg,
		CreatedAt: e.OccurredAt,
		Metadata:  ticketMeta(e.TicketID, "priority", e.Priority.String()),
	}, push.EventReceiveNotification, push.Payload{
		TicketID:  e.TicketID,
		Message:   msg,
		Timestamp: e.OccurredAt,
		Priority:  e.Priority.String(),
		ActionURL: n.actionURL(e.TicketID),
		ShowToast: true,
		Metadata:  ticketMeta(e.TicketID),
	})
}

func (n *Notifier) onStatusChanged(ctx context.Context, ev event.Event) error {
	e := ev.(*event.StatusChanged)
	t, err := n.Tickets.Get(ctx, e.TicketID)
	if errors.Is(err, repository.ErrNotFound) {
		return permanent(err)
	}
	if err != nil {
		return err
	}

	msg := fmt.Sprintf("Ticket #%d \"%s\" moved from %s to %s", e.TicketID, t.Title, e.OldStatus, e.NewStatus)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	p := push.Payload{
		TicketID:  e.TicketID,
		OldStatus: e.OldStatus.String(),
		NewStatus: e.NewStatus.String(),
		Message:   msg,
		Timestamp: e.OccurredAt,
		Priority:  t.Priority.String(),
		ActionURL: n.actionURL(e.TicketID),
		ShowToast: true,
	}

	if e.ActorID == nil || *e.ActorID != e.RequesterID {
		err := n.notify(ctx, e.RequesterID, model.Notification{
			Type:      "status_changed",
			Title:     "Ticket status updated",
			Body:      msg,
			CreatedAt: e.OccurredAt,
			Metadata:  ticketMeta(e.TicketID, "oldStatus", e.OldStatus.String(), "newStatus", e.NewStatus.String()),
		}, push.EventTicketUpdated, p)
		if err != nil {
			return err
		}
	}
	if e.AssigneeID != nil && (e.ActorID == nil || *e.ActorID != *e.AssigneeID) {
		p.ShowToast = false
		n.pushTo(ctx, e.AssigneeID, push.EventTicketUpdated, p)
	}
	return nil
}

// onCommentAdded notifies the other side of the conversation. Internal
// comments only ever reach the assignee.
func (n *Notifier) onCommentAdded(ctx context.Context, ev event.Event) error {
	e := ev.(*event.CommentAdded)

	var recipient *int64
	switch {
	case e.IsInternal || e.AuthorID == e.RequesterID:
		recipient = e.AssigneeID
	default:
		recipient = &e.RequesterID
	}
	if recipient == nil || *recipient == e.AuthorID {
		return nil
	}

	title, err := n.title(ctx, e.TicketID, "")
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("New comment on ticket #%d \"%s\": %s", e.TicketID, title, e.Excerpt)
	return n.notify(ctx, *recipient, model.Notification{
		Type:      "comment_added",
		Title:     "New comment",
		Body:      msg,
		CreatedAt: e.OccurredAt,
		Metadata:  ticketMeta(e.TicketID, "commentId", strconv.FormatInt(e.CommentID, 10)),
	}, push.EventReceiveNotification, push.Payload{
		TicketID:  e.TicketID,
		Message:   msg,
		Timestamp: e.OccurredAt,
		ActionURL: n.actionURL(e.TicketID),
		ShowToast: true,
		Metadata:  ticketMeta(e.TicketID, "commentId", strconv.FormatInt(e.CommentID, 10)),
	})
}

func (n *Notifier) onSlaBreached(ctx context.Context, ev event.Event) error {
	e := ev.(*event.SlaBreached)
	msg := fmt.Sprintf("SLA breached on ticket #%d \"%s\" after %.0fh, priority raised from %s to %s",
		e.TicketID, e.Title, e.HoursOpen, e.OldPriority, e.NewPriority)
	p := push.Payload{
		TicketID:  e.TicketID,
		Message:   msg,
		Timestamp: e.OccurredAt,
		Priority:  e.NewPriority.String(),
		ActionURL: n.actionURL(e.TicketID),
		ShowToast: true,
		Metadata:  ticketMeta(e.TicketID, "oldPriority", e.OldPriority.String()),
	}
	if e.AssigneeID == nil {
		n.pushTo(ctx, nil, push.EventReceiveNotification, p)
		return nil
	}
	return n.notify(ctx, *e.AssigneeID, model.Notification{
		Type:      "sla_breached",
		Title:     "SLA breached",
		Body:      msg,
		CreatedAt: e.OccurredAt,
		Metadata:  ticketMeta(e.TicketID, "priority", e.NewPriority.String()),
	}, push.EventReceiveNotification, p)
}

func (n *Notifier) onReminder(ctx context.Context, ev event.Event) error {
	e := ev.(*event.Reminder)
	msg := fmt.Sprintf("Ticket #%d \"%s\" has had no response for %.0fh", e.TicketID, e.Title, e.HoursSinceCreated)
	p := push.Payload{
		TicketID:  e.TicketID,
		Message:   msg,
		Timestamp: e.OccurredAt,
		Priority:  e.Priority.String(),
		ActionURL: n.actionURL(e.TicketID),
		ShowToast: true,
	}
	if e.AssigneeID == nil {
		n.pushTo(ctx, nil, push.EventReceiveNotification, p)
		return nil
	}
	return n.notify(ctx, *e.AssigneeID, model.Notification{
		Type:      "reminder",
		Title:     "Ticket awaiting response",
		Body:      msg,
		CreatedAt: e.OccurredAt,
		Metadata:  ticketMeta(e.TicketID, "priority", e.Priority.String()),
	}, push.EventReceiveNotification, p)
}

func (n *Notifier) onProfileUpdated(ctx context.Context, ev event.Event) error {
	e := ev.(*event.ProfileUpdated)
	body := "Your profile was updated"
	if len(e.ChangedFields) > 0 {
		body += ": " + strings.Join(e.ChangedFields, ", ")
	}
	_, err := n.Queue.Enqueue(ctx, e.UserID, model.Notification{
		Type:      "profile_updated",
		Title:     "Profile updated",
		Body:      body,
		CreatedAt: e.OccurredAt,
	})
	return err
}

func (n *Notifier) onUserRegistered(ctx context.Context, ev event.Event) error {
	e := ev.(*event.UserRegistered)
	name := e.DisplayName
	if name == "" {
		name = e.Email
	}
	_, err := n.Queue.Enqueue(ctx, e.UserID, model.Notification{
		Type:      "welcome",
		Title:     "Welcome to the helpdesk",
		Body:      fmt.Sprintf("Hi %s, your account is ready.", name),
		CreatedAt: e.OccurredAt,
	})
	return err
}
