package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/guestloop/loyaltybot/internal/models"
	"github.com/guestloop/loyaltybot/internal/store"
)

// FlowHandler is the onboarding side of the dispatcher: the flow controller.
type FlowHandler interface {
	HandleEvent(ctx context.Context, ev models.Event) ([]models.Action, error)
	HasSession(userID string) (bool, error)
}

// MenuHandler is the post-onboarding side of the dispatcher.
type MenuHandler interface {
	HandleEvent(ctx context.Context, ev models.Event) ([]models.Action, error)
	Enter(conversationID, displayName string) []models.Action
}

// Dispatcher routes inbound events to the flow or the menu and executes the
// resulting actions on the channel.
//
// Routing rule: an active onboarding session always wins; otherwise
// registered users land in the menu and everyone else starts onboarding.
type Dispatcher struct {
	channel Channel
	flow    FlowHandler
	menu    MenuHandler
	store   store.Store

	wg sync.WaitGroup
}

// NewDispatcher wires the transport to the flow and menu handlers.
func NewDispatcher(ch Channel, flow FlowHandler, menu MenuHandler, st store.Store) *Dispatcher {
	return &Dispatcher{channel: ch, flow: flow, menu: menu, store: st}
}

// Run consumes the channel's event stream until the context is cancelled or
// the stream closes. Each event is handled on its own goroutine; per-user
// ordering inside the flow is guaranteed by the controller's conversation
// lock.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("Dispatcher running")
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		case ev, ok := <-d.channel.Events():
			if !ok {
				slog.Info("Dispatcher event stream closed")
				d.wg.Wait()
				return nil
			}
			d.wg.Add(1)
			go func(ev models.Event) {
				defer d.wg.Done()
				if err := d.Handle(ctx, ev); err != nil {
					slog.Error("Dispatcher event handling failed", "error", err, "userID", ev.UserID, "kind", ev.Kind)
				}
			}(ev)
		}
	}
}

// Handle routes a single event and executes the resulting actions.
func (d *Dispatcher) Handle(ctx context.Context, ev models.Event) error {
	if ev.UserID == "" {
		return models.ErrEmptyConversation
	}
	actions, err := d.route(ctx, ev)
	if err != nil {
		return err
	}
	return d.execute(ctx, actions)
}

func (d *Dispatcher) route(ctx context.Context, ev models.Event) ([]models.Action, error) {
	active, err := d.flow.HasSession(ev.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to check session for %s: %w", ev.UserID, err)
	}
	if active {
		return d.flow.HandleEvent(ctx, ev)
	}

	u, err := d.store.GetUser(ev.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", ev.UserID, err)
	}
	if u != nil && u.IsRegistered {
		return d.menu.HandleEvent(ctx, ev)
	}
	// No session, not registered: onboarding starts (or restarts).
	return d.flow.HandleEvent(ctx, ev)
}

// execute runs the actions in order on the channel. An EnterMenu action
// expands into the menu's greeting actions.
func (d *Dispatcher) execute(ctx context.Context, actions []models.Action) error {
	for _, a := range actions {
		switch a.Kind {
		case models.ActionSendPrompt:
			if err := d.channel.SendPrompt(ctx, a.ConversationID, a.Text, a.Choices); err != nil {
				return fmt.Errorf("failed to send prompt: %w", err)
			}
		case models.ActionEditPrompt:
			if err := d.channel.EditLastPrompt(ctx, a.ConversationID, a.Text, a.Choices); err != nil {
				// Editing is cosmetic: log and keep going.
				slog.Warn("Dispatcher edit prompt failed", "error", err, "conversationID", a.ConversationID)
			}
		case models.ActionAcknowledge:
			if err := d.channel.Acknowledge(ctx, a.ConversationID, a.AckID, a.AckText); err != nil {
				slog.Warn("Dispatcher acknowledge failed", "error", err, "conversationID", a.ConversationID)
			}
		case models.ActionEnterMenu:
			if err := d.execute(ctx, d.menu.Enter(a.ConversationID, a.DisplayName)); err != nil {
				return err
			}
		default:
			slog.Warn("Dispatcher ignoring unknown action", "kind", a.Kind)
		}
	}
	return nil
}
