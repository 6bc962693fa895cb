package engine

import "sync/atomic"

// MessageBoard holds the most recent display message. Post and Message never block.
type MessageBoard struct {
	msg atomic.Pointer[string]
}

// Post replaces the current message.
func (b *MessageBoard) Post(message string) {
	b.msg.Store(&message)
}

// Message returns the current message or "".
func (b *MessageBoard) Message() string {
	if p := b.msg.Load(); p != nil {
		return *p
	}
	return ""
}

// Clear removes the current message.
func (b *MessageBoard) Clear() {
	b.msg.Store(nil)
}
