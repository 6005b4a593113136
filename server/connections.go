package poiseserv

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrUnknownSession = errors.New("server: unknown session")

type Client struct {
	ID          uuid.UUID
	Addr        string
	ConnectedAt time.Time

	cancel context.CancelFunc

	mu        sync.Mutex
	streaming bool
	startedAt time.Time
	sessions  int
}

func (c *Client) setStreaming(on bool, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streaming = on
	if on {
		c.startedAt = at
		c.sessions++
	}
}

// ClientInfo is a point-in-time view of a connected client.
type ClientInfo struct {
	ID          string    `json:"id"`
	Addr        string    `json:"addr"`
	ConnectedAt time.Time `json:"connectedAt"`
	Streaming   bool      `json:"streaming"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	Sessions    int       `json:"sessions"`
}

func (c *Client) Info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{
		ID:          c.ID.String(),
		Addr:        c.Addr,
		ConnectedAt: c.ConnectedAt,
		Streaming:   c.streaming,
		StartedAt:   c.startedAt,
		Sessions:    c.sessions,
	}
}

type ClientList struct {
	clients map[uuid.UUID]*Client
	mu      sync.RWMutex
}

func NewClientList() *ClientList {
	cl := &ClientList{
		clients: make(map[uuid.UUID]*Client),
	}
	return cl
}

func (cl *ClientList) Add(client *Client) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.clients[client.ID] = client
}

func (cl *ClientList) Remove(id uuid.UUID) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.clients, id)
}

func (cl *ClientList) Get(id uuid.UUID) (*Client, bool) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	client, ok := cl.clients[id]
	return client, ok
}

func (cl *ClientList) Len() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.clients)
}

// List returns every connected client, oldest connection first.
func (cl *ClientList) List() []ClientInfo {
	cl.mu.RLock()
	out := make([]ClientInfo, 0, len(cl.clients))
	for _, c := range cl.clients {
		out = append(out, c.Info())
	}
	cl.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Disconnect closes the client's connection. Any session in progress is dropped.
func (cl *ClientList) Disconnect(id string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return ErrUnknownSession
	}
	c, ok := cl.Get(uid)
	if !ok {
		return ErrUnknownSession
	}
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}
