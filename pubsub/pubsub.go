package pubsub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kjk/kvlog/log"
	"github.com/nats-io/nats.go"
)

const (
	SubjectSet    = "set"
	SubjectRemove = "rm"
)

// Event is a mutation published after it was written to the log.
// Val is only set for SubjectSet.
type Event struct {
	Subject string  `json:"-"`
	Key     string  `json:"key"`
	Val     *string `json:"val,omitempty"`
}

func (e *Event) String() string {
	if e.Val != nil {
		return fmt.Sprintf("%s %q %q", e.Subject, e.Key, *e.Val)
	}
	return fmt.Sprintf("%s %q", e.Subject, e.Key)
}

// MarshalEvent returns the subject and payload for a mutation
func MarshalEvent(e *Event) (string, []byte, error) {
	d, err := json.Marshal(e)
	return e.Subject, d, err
}

func UnmarshalEvent(subject string, d []byte) (*Event, error) {
	if subject != SubjectSet && subject != SubjectRemove {
		return nil, fmt.Errorf("unexpected subject '%s'", subject)
	}
	var e Event
	if err := json.Unmarshal(d, &e); err != nil {
		return nil, fmt.Errorf("invalid %s event '%s': %w", subject, d, err)
	}
	e.Subject = subject
	if subject == SubjectSet && e.Val == nil {
		return nil, fmt.Errorf("set event without val: '%s'", d)
	}
	if subject == SubjectRemove {
		e.Val = nil
	}
	return &e, nil
}

func connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.Timeout(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Logf("nats: disconnected: %s\n", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Logf("nats: reconnected to %s\n", nc.ConnectedUrl())
		}),
	)
}

// Notifier publishes store mutations to NATS.
// Publishing is fire-and-forget: nats buffers messages and errors are logged.
type Notifier struct {
	nc *nats.Conn
}

// NewNotifier connects to NATS at url
func NewNotifier(url string) (*Notifier, error) {
	nc, err := connect(url, "kvlog-server")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at '%s': %w", url, err)
	}
	return &Notifier{nc: nc}, nil
}

func (n *Notifier) publish(e *Event) {
	subject, d, err := MarshalEvent(e)
	if err == nil {
		err = n.nc.Publish(subject, d)
	}
	if err != nil {
		log.Logf("nats: failed to publish %s: %s\n", e, err)
	}
}

func (n *Notifier) Set(key, val string) {
	n.publish(&Event{Subject: SubjectSet, Key: key, Val: &val})
}

func (n *Notifier) Remove(key string) {
	n.publish(&Event{Subject: SubjectRemove, Key: key})
}

// Close flushes pending messages and closes the connection
func (n *Notifier) Close() {
	if n == nil || n.nc == nil {
		return
	}
	if err := n.nc.FlushTimeout(2 * time.Second); err != nil {
		log.Logf("nats: flush failed: %s\n", err)
	}
	n.nc.Close()
}

// Subscription delivers events until Close()
type Subscription struct {
	nc *nats.Conn
}

func (s *Subscription) Close() {
	s.nc.Close()
}

// Subscribe calls handler for every set and rm event published to NATS at url.
// Messages that don't decode are logged and skipped.
func Subscribe(url string, handler func(*Event)) (*Subscription, error) {
	nc, err := connect(url, "kvlog-sub")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at '%s': %w", url, err)
	}
	cb := func(m *nats.Msg) {
		e, err := UnmarshalEvent(m.Subject, m.Data)
		if err != nil {
			log.Logf("nats: %s\n", err)
			return
		}
		handler(e)
	}
	for _, subject := range []string{SubjectSet, SubjectRemove} {
		if _, err = nc.Subscribe(subject, cb); err != nil {
			nc.Close()
			return nil, err
		}
	}
	if err = nc.Flush(); err != nil {
		nc.Close()
		return nil, err
	}
	return &Subscription{nc: nc}, nil
}
