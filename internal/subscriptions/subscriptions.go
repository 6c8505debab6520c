// Package subscriptions tracks which clients are subscribed to which
// topics (stolen ports, in the stealer worker's case) and the reverse
// mapping needed to clean up every subscription of a client that
// disconnects.
package subscriptions

import "container/list"

// Subscriptions is a bidirectional many-to-many map between topics and
// clients, ordered by subscription insertion order within a topic, which
// TopicSubscribers reports earliest first. The stealer worker's HTTP filter
// matching does not consult this order.
//
// Not safe for concurrent use; callers running a single worker goroutine
// should serialize access the same way they serialize every other piece of
// worker state.
type Subscriptions[Topic comparable, Client comparable] struct {
	byTopic  map[Topic]*list.List
	byClient map[Client]map[Topic]*list.Element
}

// New returns an empty Subscriptions.
func New[Topic comparable, Client comparable]() *Subscriptions[Topic, Client] {
	return &Subscriptions[Topic, Client]{
		byTopic:  make(map[Topic]*list.List),
		byClient: make(map[Client]map[Topic]*list.Element),
	}
}

// Subscribe records that client is subscribed to topic. Subscribing the
// same client to the same topic twice is a no-op.
func (s *Subscriptions[Topic, Client]) Subscribe(client Client, topic Topic) {
	if topics, ok := s.byClient[client]; ok {
		if _, already := topics[topic]; already {
			return
		}
	}

	subs, ok := s.byTopic[topic]
	if !ok {
		subs = list.New()
		s.byTopic[topic] = subs
	}

	elem := subs.PushBack(client)

	if s.byClient[client] == nil {
		s.byClient[client] = make(map[Topic]*list.Element)
	}
	s.byClient[client][topic] = elem
}

// Unsubscribe removes client's subscription to topic, if any.
func (s *Subscriptions[Topic, Client]) Unsubscribe(client Client, topic Topic) {
	topics, ok := s.byClient[client]
	if !ok {
		return
	}

	elem, ok := topics[topic]
	if !ok {
		return
	}

	delete(topics, topic)
	if len(topics) == 0 {
		delete(s.byClient, client)
	}

	if subs, ok := s.byTopic[topic]; ok {
		subs.Remove(elem)
		if subs.Len() == 0 {
			delete(s.byTopic, topic)
		}
	}
}

// RemoveClient removes every subscription belonging to client, returning
// the list of topics it was subscribed to.
func (s *Subscriptions[Topic, Client]) RemoveClient(client Client) []Topic {
	topics := s.ClientTopics(client)

	for _, topic := range topics {
		s.Unsubscribe(client, topic)
	}

	return topics
}

// TopicSubscribers returns every client subscribed to topic, in
// subscription order (earliest first).
func (s *Subscriptions[Topic, Client]) TopicSubscribers(topic Topic) []Client {
	subs, ok := s.byTopic[topic]
	if !ok {
		return nil
	}

	clients := make([]Client, 0, subs.Len())
	for e := subs.Front(); e != nil; e = e.Next() {
		clients = append(clients, e.Value.(Client))
	}

	return clients
}

// ClientTopics returns every topic client is subscribed to, in no
// particular order.
func (s *Subscriptions[Topic, Client]) ClientTopics(client Client) []Topic {
	topics, ok := s.byClient[client]
	if !ok {
		return nil
	}

	result := make([]Topic, 0, len(topics))
	for topic := range topics {
		result = append(result, topic)
	}

	return result
}

// IsEmpty reports whether there are no subscriptions at all.
func (s *Subscriptions[Topic, Client]) IsEmpty() bool {
	return len(s.byTopic) == 0
}

// IsTopicEmpty reports whether topic currently has no subscribers.
func (s *Subscriptions[Topic, Client]) IsTopicEmpty(topic Topic) bool {
	subs, ok := s.byTopic[topic]
	return !ok || subs.Len() == 0
}
