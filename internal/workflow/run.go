package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"loom/internal/logging"
	"loom/internal/queue"
)

// Start begins background processing. It fails when the manager is already
// running or no stages have been configured.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if len(m.startOrder) == 0 {
		m.mu.Unlock()
		return errors.New("workflow stages not configured")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.stop = cancel
	m.wg.Add(2)
	m.mu.Unlock()

	go m.runQueue(runCtx)
	go m.runReviews(runCtx)
	return nil
}

// Stop terminates background processing and waits for in-flight stages to
// unwind.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.stop
	m.running = false
	m.stop = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Manager) runQueue(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		items, err := m.store.List(ctx, m.startStatuses()...)
		if err != nil {
			m.setLastError(err)
			m.logger.Error("failed to fetch queue items",
				logging.Error(err),
				logging.String(logging.FieldEventType, "queue_fetch_failed"))
			if !m.sleep(ctx, m.retryInterval) {
				return
			}
			continue
		}

		dispatched := false
		for _, item := range items {
			itemCtx, ok := m.claim(ctx, item.ID)
			if !ok {
				continue
			}
			dispatched = true
			m.wg.Add(1)
			go func(itemCtx context.Context, item *queue.Item) {
				defer m.wg.Done()
				defer m.release(item.ID)
				m.dispatch(itemCtx, item)
			}(itemCtx, item)
		}
		if !dispatched {
			if !m.sleep(ctx, m.pollInterval) {
				return
			}
		}
	}
}

func (m *Manager) runReviews(ctx context.Context) {
	defer m.wg.Done()
	for {
		if !m.sleep(ctx, m.reviewInterval) {
			return
		}
		items, err := m.store.ItemsByStatus(ctx, queue.StatusReview)
		if err != nil {
			m.setLastError(err)
			m.logger.Error("failed to fetch items awaiting review", logging.Error(err))
			continue
		}
		for _, item := range items {
			if err := m.resumeReviewed(ctx, item); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				m.setLastError(err)
				m.logger.Error("failed to resume reviewed item",
					logging.Int64(logging.FieldItemID, item.ID),
					logging.Error(err))
			}
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, item *queue.Item) {
	if item.Status == queue.StatusVerified {
		m.deployItem(ctx, item)
		return
	}
	m.processItem(ctx, item)
}

func (m *Manager) startStatuses() []queue.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	statuses := make([]queue.Status, len(m.startOrder))
	copy(statuses, m.startOrder)
	return statuses
}

// claim registers the item as in flight. At most one stage execution runs
// per item, and total concurrency is bounded by MaxConcurrentItems.
func (m *Manager) claim(ctx context.Context, id int64) (context.Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.cancels[id]; busy {
		return nil, false
	}
	if len(m.cancels) >= m.maxConcurrent {
		return nil, false
	}
	itemCtx, cancel := context.WithCancel(ctx)
	m.cancels[id] = cancel
	return itemCtx, true
}

func (m *Manager) release(id int64) {
	m.mu.Lock()
	cancel := m.cancels[id]
	delete(m.cancels, id)
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CancelItem abandons a work item. An in-flight stage is signalled through
// its context so it stops writing artifacts; the item is then marked
// abandoned in the store.
func (m *Manager) CancelItem(ctx context.Context, id int64) error {
	item, err := m.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if item.IsTerminal() {
		return fmt.Errorf("item %d already terminal (%s)", id, item.Status)
	}

	m.mu.Lock()
	cancel := m.cancels[id]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	item.SetAbandoned("cancelled by operator")
	if err := m.store.Update(ctx, item); err != nil {
		return fmt.Errorf("persist cancellation: %w", err)
	}
	m.setLastItem(item)
	m.logger.Info("work item cancelled",
		logging.Int64(logging.FieldItemID, item.ID),
		logging.String(logging.FieldItemKey, item.Key))
	return nil
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
