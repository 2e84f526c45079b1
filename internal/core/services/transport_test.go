package services

import (
	"errors"
	"sync"

	"undercover/internal/core/domain"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeTransport records envelopes and can be told to fail.
type fakeTransport struct {
	mu          sync.Mutex
	sent        []domain.Envelope
	closed      bool
	closeReason string
	// failAfter makes every write fail once this many envelopes were sent; -1 disables.
	failAfter int
	onWrite   func(env domain.Envelope)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failAfter: -1}
}

func (f *fakeTransport) WriteJSON(v interface{}) error {
	env, _ := v.(domain.Envelope)

	f.mu.Lock()
	if f.closed || (f.failAfter >= 0 && len(f.sent) >= f.failAfter) {
		f.mu.Unlock()
		return errBrokenPipe
	}
	f.sent = append(f.sent, env)
	hook := f.onWrite
	f.mu.Unlock()

	if hook != nil {
		hook(env)
	}
	return nil
}

func (f *fakeTransport) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.closeReason = reason
	}
	return nil
}

func (f *fakeTransport) envelopes() []domain.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Envelope(nil), f.sent...)
}

func (f *fakeTransport) types() []string {
	var out []string
	for _, e := range f.envelopes() {
		out = append(out, e.Type)
	}
	return out
}

func (f *fakeTransport) countType(msgType string) int {
	n := 0
	for _, t := range f.types() {
		if t == msgType {
			n++
		}
	}
	return n
}

func (f *fakeTransport) isClosed() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeReason
}

func domainUser(s string) domain.UserID { return domain.UserID(s) }
