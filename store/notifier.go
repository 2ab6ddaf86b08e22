package store

// Notifier is told about mutations after they are durable in the log.
// It's called outside of Store locks and must not call back into the Store.
type Notifier interface {
	Set(key, val string)
	Remove(key string)
}

// NopNotifier ignores all notifications
type NopNotifier struct{}

func (NopNotifier) Set(key, val string) {}
func (NopNotifier) Remove(key string)   {}
