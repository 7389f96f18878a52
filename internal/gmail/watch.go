package gmail

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	gmailapi "google.golang.org/api/gmail/v1"
)

// RegisterWatch (re)registers the user's Gmail push watch on the given
// Pub/Sub topic and persists the returned history baseline. Watches
// expire after about seven days, so this runs on a renewal schedule.
func (f *Factory) RegisterWatch(ctx context.Context, userID uuid.UUID, topic string) error {
	svc, _, err := f.Service(ctx, userID)
	if err != nil {
		return err
	}

	res, err := svc.Users.Watch("me", &gmailapi.WatchRequest{
		TopicName: topic,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("users.watch: %w", err)
	}

	expiry := time.UnixMilli(res.Expiration)
	if err := f.store.UpdateWatch(ctx, userID, res.HistoryId, expiry); err != nil {
		return fmt.Errorf("persist watch: %w", err)
	}
	return nil
}
