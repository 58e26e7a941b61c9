package ws

import "sync"

const broadcastBuffer = 256

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans payloads out to subscribers by topic. Broadcast never blocks the
// caller; payloads are dropped when the hub falls behind.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	stopOnce  sync.Once
	dropped   uint64
}

type message struct {
	topic   string
	payload []byte
}

type subscription struct {
	topic  string
	client Subscriber
	ack    chan struct{}
}

// NewHub creates a running Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, broadcastBuffer),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for topic, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
				delete(h.clients, topic)
			}
			h.mu.Unlock()
			return
		case sub := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[sub.topic]; !ok {
				h.clients[sub.topic] = make(map[Subscriber]struct{})
			}
			h.clients[sub.topic][sub.client] = struct{}{}
			h.mu.Unlock()
			close(sub.ack)
		case sub := <-h.unreg:
			h.mu.Lock()
			h.remove(sub.topic, sub.client)
			h.mu.Unlock()
			close(sub.ack)
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg message) {
	h.mu.RLock()
	clients := make([]Subscriber, 0, len(h.clients[msg.topic]))
	for c := range h.clients[msg.topic] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.Send(msg.payload); err != nil {
			c.Close()
			h.mu.Lock()
			h.remove(msg.topic, c)
			h.mu.Unlock()
		}
	}
}

func (h *Hub) remove(topic string, client Subscriber) {
	clients, ok := h.clients[topic]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.clients, topic)
	}
}

// Register subscribes client to topic. It returns once the subscription is active.
func (h *Hub) Register(topic string, client Subscriber) {
	h.send(h.register, subscription{topic: topic, client: client, ack: make(chan struct{})})
}

// Unregister removes client from topic.
func (h *Hub) Unregister(topic string, client Subscriber) {
	h.send(h.unreg, subscription{topic: topic, client: client, ack: make(chan struct{})})
}

func (h *Hub) send(ch chan subscription, sub subscription) {
	select {
	case ch <- sub:
		<-sub.ack
	case <-h.done:
	}
}

// Broadcast queues payload for every subscriber of topic.
func (h *Hub) Broadcast(topic string, payload []byte) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- message{topic: topic, payload: payload}:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
	}
}

// Subscribers reports how many clients listen on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Dropped reports how many payloads were discarded because the queue was full.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Close stops the hub and closes every subscriber.
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}
