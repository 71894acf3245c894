package ldaptest

import (
	"context"
	"sync"

	"github.com/go-ldap/ldap/v3"
)

// Message is one item delivered by a StreamResponse.
type Message struct {
	Entry    *ldap.Entry
	Controls []ldap.Control
	Err      error
}

// StreamResponse is an ldap.Response fed from a channel. It ends when the
// channel is closed, an error message arrives or the context is cancelled.
type StreamResponse struct {
	ctx  context.Context
	msgs <-chan Message

	mu       sync.Mutex
	entry    *ldap.Entry
	controls []ldap.Control
	err      error
}

var _ ldap.Response = (*StreamResponse)(nil)

// NewStreamResponse returns a response reading msgs until ctx is done.
func NewStreamResponse(ctx context.Context, msgs <-chan Message) *StreamResponse {
	return &StreamResponse{ctx: ctx, msgs: msgs}
}

func (r *StreamResponse) Entry() *ldap.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entry
}

func (r *StreamResponse) Referral() string {
	return ""
}

func (r *StreamResponse) Controls() []ldap.Control {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controls
}

func (r *StreamResponse) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *StreamResponse) Next() bool {
	select {
	case <-r.ctx.Done():
		r.set(nil, nil, r.ctx.Err())
		return false
	case msg, ok := <-r.msgs:
		if !ok {
			r.set(nil, nil, nil)
			return false
		}
		r.set(msg.Entry, msg.Controls, msg.Err)
		return msg.Err == nil
	}
}

func (r *StreamResponse) set(entry *ldap.Entry, controls []ldap.Control, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry, r.controls, r.err = entry, controls, err
}
