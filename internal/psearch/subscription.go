package psearch

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-ldap/ldap/v3"

	ldapclient "github.com/isometry/ldap-idrepo/internal/ldap"
)

const responseBufferSize = 64

// errSearchEnded is returned when the server completes a persistent search.
var errSearchEnded = errors.New("persistent search ended by server")

// Event is one change reported by a persistent search.
type Event struct {
	DN           string
	ChangeType   ldapclient.ChangeType
	PreviousDN   string
	ChangeNumber int64
	Entry        *ldap.Entry
}

// Listener receives change notifications. Implementations must not block.
type Listener interface {
	// EntryChanged reports a single changed entry.
	EntryChanged(event Event)
	// AllEntriesChanged reports that changes may have been missed.
	AllEntriesChanged()
}

// subscription is one live persistent search shared by its listeners.
type subscription struct {
	fingerprint string
	params      Params
	factory     ldapclient.ConnectionFactory
	logger      ldapclient.Logger
	retry       func() backoff.BackOff

	mu        sync.RWMutex
	listeners map[string]Listener

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *subscription) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

// stop cancels the search, waits for the read loop and closes the factory.
func (s *subscription) stop() error {
	s.cancel()
	<-s.done
	return s.factory.Close()
}

func (s *subscription) add(id string, l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[id] = l
}

// remove deregisters id and reports how many listeners remain.
func (s *subscription) remove(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.listeners[id]
	delete(s.listeners, id)
	return len(s.listeners), ok
}

func (s *subscription) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

func (s *subscription) snapshot() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(s.listeners))
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.listeners[id])
	}
	return out
}

// run keeps the persistent search alive until ctx is cancelled.
func (s *subscription) run(ctx context.Context) {
	defer close(s.done)

	b := s.retry()
	for {
		established, err := s.searchOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if established {
			b.Reset()
		}

		wait := b.NextBackOff()
		s.logger.Warn("Persistent search interrupted", map[string]any{
			"base_dn":  s.params.BaseDN,
			"filter":   s.params.filter(),
			"error":    err.Error(),
			"retry_in": wait.String(),
		})
		for _, l := range s.snapshot() {
			l.AllEntriesChanged()
		}

		if wait == backoff.Stop {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// searchOnce runs one persistent search until it fails or ctx is cancelled.
// established reports whether the search was accepted by a server.
func (s *subscription) searchOnce(ctx context.Context) (established bool, err error) {
	pc, err := s.factory.Get(ctx)
	if err != nil {
		return false, err
	}
	defer pc.Close()

	s.logger.Debug("Starting persistent search", map[string]any{
		"base_dn": s.params.BaseDN,
		"filter":  s.params.filter(),
		"server":  ldapclient.ServerInfoToURL(pc.ServerInfo()),
	})

	resp := pc.Conn().SearchAsync(ctx, s.params.searchRequest(), responseBufferSize)
	for resp.Next() {
		established = true
		entry := resp.Entry()
		if entry == nil {
			continue
		}
		s.dispatch(entry, resp.Controls())
	}

	if ctx.Err() != nil {
		return established, ctx.Err()
	}

	pc.MarkBroken()
	if err := resp.Err(); err != nil {
		return established, err
	}
	return established, errSearchEnded
}

func (s *subscription) dispatch(entry *ldap.Entry, controls []ldap.Control) {
	event := Event{
		DN:         entry.DN,
		ChangeType: ldapclient.ChangeTypeModify,
		Entry:      entry,
	}

	ecn, err := ldapclient.FindEntryChangeNotification(controls)
	if err != nil {
		s.logger.Warn("Ignoring malformed entry change notification", map[string]any{
			"dn":    entry.DN,
			"error": err.Error(),
		})
	}
	if ecn != nil {
		event.ChangeType = ecn.ChangeType
		event.PreviousDN = ecn.PreviousDN
		event.ChangeNumber = ecn.ChangeNumber
	}

	s.logger.Trace("Persistent search change", map[string]any{
		"dn":          event.DN,
		"change_type": event.ChangeType.String(),
		"previous_dn": event.PreviousDN,
	})

	for _, l := range s.snapshot() {
		l.EntryChanged(event)
	}
}
