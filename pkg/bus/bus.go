package bus

// AgentSubject is the subject an agent listens on for RPC requests.
func AgentSubject(agentID string) string { return "agent." + agentID }

// InboxSubject is the per-invocation reply subject for one RPC call.
// directorUUID keeps inboxes of different director processes apart on a
// shared bus; correlationID is fresh per call.
func InboxSubject(directorUUID, correlationID string) string {
	return "director." + directorUUID + "." + correlationID
}

// Handler receives one message.
type Handler func(subject string, data []byte)

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the message fabric carrying agent RPC traffic. Implementations must
// deliver each message to every active subscription on its subject and must
// be safe for concurrent use.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, h Handler) (Subscription, error)
	Close()
}
