package memory

import (
	"testing"

	"github.com/ggoodman/socketio-server-go/pubsub"
	"github.com/ggoodman/socketio-server-go/pubsub/pubsubtest"
)

func TestMemoryStore(t *testing.T) {
	pubsubtest.RunStoreTests(t, func(t *testing.T) pubsub.Store {
		return New()
	})
}
