package bundle

// Notifier receives human-readable status messages. Delivery is best effort;
// a failing notifier never fails the operation that produced the message.
type Notifier interface {
	Notify(msg string)
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(msg string)

func (f NotifierFunc) Notify(msg string) { f(msg) }

// Discard drops every message.
var Discard Notifier = NotifierFunc(func(string) {})

func (a *App) notify(msg string) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("notifier panicked", "message", msg, "panic", r)
		}
	}()
	a.notifier.Notify(msg)
}
