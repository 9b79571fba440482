package catalog

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"econd/internal/domain"
)

// Catalog is the merged tool index across all ready providers. A server's
// tools are published and retracted atomically: readers never observe a
// partially published server.
type Catalog struct {
	logger *zap.Logger

	mu       sync.RWMutex
	routes   map[string]domain.Route
	byServer map[string][]string
}

func New(logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		logger:   logger.Named("catalog"),
		routes:   make(map[string]domain.Route),
		byServer: make(map[string][]string),
	}
}

// PublishServer replaces the server's catalog entries with the given tools.
// Names are qualified with the server id, so servers cannot collide.
func (c *Catalog) PublishServer(serverID string, conn domain.Conn, tools []domain.ToolDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.retractLocked(serverID)

	qualified := make([]string, 0, len(tools))
	for _, tool := range tools {
		desc := tool
		if desc.Server == "" {
			desc.Server = serverID
		}
		if desc.Qualified == "" {
			desc.Qualified = domain.QualifiedToolName(serverID, desc.Name)
		}
		c.routes[desc.Qualified] = domain.Route{Descriptor: desc, Conn: conn}
		qualified = append(qualified, desc.Qualified)
	}
	c.byServer[serverID] = qualified

	c.logger.Debug("server published", zap.String("server", serverID), zap.Int("tools", len(tools)))
}

// RetractServer removes every tool the server published. Idempotent.
func (c *Catalog) RetractServer(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retractLocked(serverID)
}

func (c *Catalog) retractLocked(serverID string) {
	for _, qualified := range c.byServer[serverID] {
		delete(c.routes, qualified)
	}
	delete(c.byServer, serverID)
}

// Lookup resolves a qualified tool name to its route.
func (c *Catalog) Lookup(qualified string) (domain.Route, error) {
	c.mu.RLock()
	route, ok := c.routes[qualified]
	c.mu.RUnlock()
	if !ok {
		return domain.Route{}, fmt.Errorf("%w: %s", domain.ErrToolNotFound, qualified)
	}
	return route, nil
}

// Snapshot returns every published descriptor sorted by qualified name.
func (c *Catalog) Snapshot() []domain.ToolDescriptor {
	c.mu.RLock()
	out := make([]domain.ToolDescriptor, 0, len(c.routes))
	for _, route := range c.routes {
		out = append(out, route.Descriptor)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Qualified < out[j].Qualified })
	return out
}

// Len reports the number of published tools.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.routes)
}
