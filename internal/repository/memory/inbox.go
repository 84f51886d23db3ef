package memory

import (
	"context"
	"sync"

	"github.com/egannguyen/order-saga/internal/repository"
)

type inbox struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewInbox returns a process-local Inbox.
func NewInbox() repository.Inbox {
	return &inbox{seen: make(map[string]struct{})}
}

func (i *inbox) Seen(_ context.Context, consumer, messageID string) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.seen[consumer+"/"+messageID]
	return ok, nil
}

func (i *inbox) Mark(_ context.Context, consumer, messageID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.seen[consumer+"/"+messageID] = struct{}{}
	return nil
}
