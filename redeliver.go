package mailbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/rbaliyan/mailbus/deadletter"
)

// ReDeliverAll replays the dead letters of group and removes every entry that
// was delivered. Entries of DispatchingFailureGroup are dispatched again;
// entries of any other group go to the local listener through ReDeliver.
//
// It stops early when bus has no listener for group or is not running, and
// otherwise keeps going over failures, returning them joined with the count
// of entries delivered.
func ReDeliverAll(ctx context.Context, bus EventBus, store deadletter.Store, group Group) (int, error) {
	ids, err := store.FailedIDs(ctx, group)
	if err != nil {
		return 0, fmt.Errorf("mailbus: list dead letters of %s: %w", group, err)
	}

	var (
		delivered int
		errs      []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return delivered, errors.Join(append(errs, err)...)
		}

		ev, err := store.Failed(ctx, group, id)
		if deadletter.IsNotFound(err) {
			// Removed concurrently.
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch %s: %w", id, err))
			continue
		}

		if group == DispatchingFailureGroup {
			err = bus.Dispatch(ctx, ev)
		} else {
			err = bus.ReDeliver(ctx, group, ev)
		}
		if IsGroupRegistrationNotFound(err) || errors.Is(err, ErrNotStarted) || errors.Is(err, ErrClosed) {
			return delivered, errors.Join(append(errs, err)...)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("redeliver %s: %w", id, err))
			continue
		}

		if err := store.Remove(ctx, group, id); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", id, err))
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}
