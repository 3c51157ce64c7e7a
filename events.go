package mailbus

import (
	"context"
	"fmt"
	"time"

	notify "github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
)

// Notification names.
const (
	NotificationDeadLettered    = "mailbus.dead_lettered"
	NotificationBindingsCleaned = "mailbus.bindings_cleaned"
)

// DeadLettered is published when a group delivery exhausted its retries, or
// an event could not be published, and the event was stored.
type DeadLettered struct {
	BusName     string    `json:"bus_name"`
	Group       string    `json:"group"`
	EventID     string    `json:"event_id"`
	InsertionID string    `json:"insertion_id"`
	Attempts    int       `json:"attempts"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

// BindingsCleaned is published after a background binding sweep removed
// dangling bindings.
type BindingsCleaned struct {
	BusName          string        `json:"bus_name"`
	TotalBindings    int64         `json:"total_bindings"`
	DanglingBindings int64         `json:"dangling_bindings"`
	CleanedBindings  int64         `json:"cleaned_bindings"`
	Duration         time.Duration `json:"duration"`
}

// Notifications gives access to the lifecycle notifications of one bus.
//
// Subscribe to notifications:
//
//	bus.Notifications().DeadLettered.Subscribe(ctx, handler)
type Notifications struct {
	DeadLettered    notify.Event[DeadLettered]
	BindingsCleaned notify.Event[BindingsCleaned]
}

type notifier struct {
	bus    *notify.Bus
	events *Notifications
	// owned is set when the transport holds resources to release on Close.
	owned bool
}

// newNotifier creates the notification bus of one event bus instance.
func newNotifier(ctx context.Context, name string, o *options) (*notifier, error) {
	var (
		bus   *notify.Bus
		err   error
		owned = true
	)
	switch {
	case o.notificationTransport != nil:
		o.logger.Info("initializing notifications with custom transport")
		bus, err = notify.NewBus(name, notify.WithTransport(o.notificationTransport))
	case o.notificationRedis != nil:
		o.logger.Info("initializing notifications with Redis transport")
		t, transportErr := eventredis.New(o.notificationRedis)
		if transportErr != nil {
			return nil, fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = notify.NewBus(name, notify.WithTransport(t))
	default:
		o.logger.Debug("initializing notifications with noop transport")
		bus, err = notify.NewBus(name, notify.WithTransport(noop.New()))
		owned = false
	}
	if err != nil {
		return nil, fmt.Errorf("create notification bus: %w", err)
	}

	events := &Notifications{
		DeadLettered:    notify.New[DeadLettered](name + "." + NotificationDeadLettered),
		BindingsCleaned: notify.New[BindingsCleaned](name + "." + NotificationBindingsCleaned),
	}
	if err := notify.Register(ctx, bus, events.DeadLettered); err != nil {
		bus.Close(ctx)
		return nil, fmt.Errorf("register DeadLettered: %w", err)
	}
	if err := notify.Register(ctx, bus, events.BindingsCleaned); err != nil {
		bus.Close(ctx)
		return nil, fmt.Errorf("register BindingsCleaned: %w", err)
	}
	return &notifier{bus: bus, events: events, owned: owned}, nil
}

func (n *notifier) close(ctx context.Context) error {
	if !n.owned {
		return nil
	}
	return n.bus.Close(ctx)
}
