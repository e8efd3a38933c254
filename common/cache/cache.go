package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowmesh/flowmesh/common/logger"
	"github.com/flowmesh/flowmesh/common/models"
	"github.com/flowmesh/flowmesh/common/repository"
)

// WorkflowCache caches workflow definitions by (tenant, workflow, version).
// Versions are immutable once stored, so entries never go stale; the TTL
// only bounds the memory footprint of long-lived workers. Callers must
// treat returned workflows as read-only.
type WorkflowCache struct {
	data      map[string]*entry
	mu        sync.RWMutex
	ttl       time.Duration
	log       *logger.Logger
	stopCh    chan struct{}
	closeOnce sync.Once
}

type entry struct {
	wf        *models.Workflow
	expiresAt time.Time
}

// NewWorkflowCache creates a cache with the given entry TTL
func NewWorkflowCache(ttl time.Duration, log *logger.Logger) *WorkflowCache {
	c := &WorkflowCache{
		data:   make(map[string]*entry),
		ttl:    ttl,
		log:    log,
		stopCh: make(chan struct{}),
	}

	// Start cleanup goroutine
	go c.cleanup()

	return c
}

func key(tenantID, workflowID string, version int) string {
	return fmt.Sprintf("%s:%s:%d", tenantID, workflowID, version)
}

// Get retrieves a cached workflow version
func (c *WorkflowCache) Get(tenantID, workflowID string, version int) (*models.Workflow, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, exists := c.data[key(tenantID, workflowID, version)]
	if !exists {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.wf, true
}

// Put stores a workflow version
func (c *WorkflowCache) Put(wf *models.Workflow) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.data == nil {
		return
	}
	c.data[key(wf.TenantID, wf.ID, wf.Version)] = &entry{
		wf:        wf,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Load returns the cached workflow version or fetches it from the store.
func (c *WorkflowCache) Load(ctx context.Context, store repository.WorkflowStore, tenantID, workflowID string, version int) (*models.Workflow, error) {
	if wf, ok := c.Get(tenantID, workflowID, version); ok {
		return wf, nil
	}
	wf, err := store.GetWorkflow(ctx, tenantID, workflowID, version)
	if err != nil {
		return nil, err
	}
	c.Put(wf)
	return wf, nil
}

// Close stops the cleanup goroutine and drops all entries
func (c *WorkflowCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		c.data = nil
		c.mu.Unlock()
		c.log.Info("workflow cache closed")
	})
	return nil
}

// cleanup removes expired entries periodically
func (c *WorkflowCache) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for k, e := range c.data {
				if now.After(e.expiresAt) {
					delete(c.data, k)
				}
			}
			c.mu.Unlock()
		}
	}
}

// Stats returns cache statistics
func (c *WorkflowCache) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"entries": len(c.data),
		"ttl":     c.ttl.String(),
	}
}
