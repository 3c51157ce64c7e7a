package mongo

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/rbaliyan/mailbus/deadletter"
	"github.com/rbaliyan/mailbus/deadletter/deadlettertest"
)

// Set MAILBUS_TEST_MONGO_URI to run against a real server, for instance
// mongodb://localhost:27017
func TestStore(t *testing.T) {
	uri := os.Getenv("MAILBUS_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("MAILBUS_TEST_MONGO_URI not set")
	}
	client, err := Open(uri)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	deadlettertest.Run(t, func(t *testing.T) deadletter.Store {
		name := "dl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		s := New(client, deadlettertest.Serializer(), WithDatabase("mailbus_test"), WithCollection(name))
		if err := s.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() {
			_ = client.Database("mailbus_test").Collection(name).Drop(context.Background())
		})
		return s
	})
}

func TestNotConnected(t *testing.T) {
	s := New(nil, deadlettertest.Serializer())
	ctx := context.Background()
	if _, err := s.FailedIDs(ctx, "g"); !errors.Is(err, deadletter.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := s.Connect(ctx); err == nil {
		t.Error("expected error connecting without a client")
	}
}
