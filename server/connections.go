// Package sttserv accepts raw PCM streams from microphone clients and feeds
// each speech burst into a realtime transcription session.
package sttserv

import (
	"sync"

	"github.com/google/uuid"
)

// Client is one connected microphone stream.
type Client struct {
	ID        uuid.UUID
	Addr      string
	SessionID string
}

// ClientList tracks connected stream clients; its size is reported on /health.
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

func (cl *ClientList) Len() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.clients)
}
