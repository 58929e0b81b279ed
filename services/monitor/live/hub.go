// Copyright (C) 2026 Perch Labs (oss@perchlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package live pushes committed scan batches to WebSocket subscribers.
//
// Delivery is best effort: a subscriber that cannot keep up is dropped
// rather than allowed to stall the scan loop.
package live

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/perchlabs/bluewatch/services/monitor/device"
)

const (
	// sendBuffer is the per-subscriber queue of pending batches.
	sendBuffer = 8

	// writeWait bounds a single WebSocket write.
	writeWait = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API carries no credentials, so cross-origin reads expose
	// nothing a same-origin GET would not.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type subscriber struct {
	conn *websocket.Conn
	send chan []device.Detection
}

// Hub fans committed batches out to WebSocket subscribers.
//
// Safe for concurrent use; Publish never blocks on a slow subscriber.
type Hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Publish queues a committed batch for every subscriber.
//
// Implements the scheduler's BatchSink. Subscribers whose queues are full
// miss the batch; they are feed consumers, not a delivery guarantee.
func (h *Hub) Publish(batch []device.Detection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.send <- batch:
		default:
		}
	}
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Serve upgrades the request to a WebSocket and streams batches until the
// client disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sub := &subscriber{
		conn: conn,
		send: make(chan []device.Detection, sendBuffer),
	}
	h.add(sub)
	slog.Debug("live feed subscriber attached", "remote", conn.RemoteAddr().String())

	go h.writeLoop(sub)
	go h.readLoop(sub)
	return nil
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		close(sub.send)
	}
}

func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub] = struct{}{}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.send)
	}
}

// writeLoop serializes queued batches onto the connection.
func (h *Hub) writeLoop(sub *subscriber) {
	defer sub.conn.Close()
	for batch := range sub.send {
		_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := sub.conn.WriteJSON(batch); err != nil {
			h.remove(sub)
			return
		}
	}
	_ = sub.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(writeWait))
}

// readLoop drains client frames so pings and close handshakes work, and
// detaches the subscriber when the connection drops.
func (h *Hub) readLoop(sub *subscriber) {
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			h.remove(sub)
			return
		}
	}
}
