package lifecycle

import (
	"errors"
	"fmt"
	"sort"
)

type State string

const (
	StateUnprocessed State = "UNPROCESSED"
	StateAdded       State = "ADDED"
	StateStable      State = "STABLE"
	StateChanged     State = "CHANGED"
	StateOrganizing  State = "ORGANIZING"
	StateRecreating  State = "RECREATING"
	StateDeleted     State = "DELETED"
	StatePurged      State = "PURGED"
)

type Event string

const (
	EventImported               Event = "imported"
	EventContentsProcessed      Event = "contentsProcessed"
	EventMetadataUpdated        Event = "metadataUpdated"
	EventMarkedForRemoval       Event = "markedForRemoval"
	EventRemovedFromDeleteQueue Event = "removedFromDeleteQueue"
	EventConsolidateComic       Event = "consolidateComic"
	EventComicMoved             Event = "comicMoved"
	EventRecreateComicFile      Event = "recreateComicFile"
	EventArchiveRecreated       Event = "archiveRecreated"
	EventMarkAsRead             Event = "markAsRead"
	EventMarkAsUnread           Event = "markAsUnread"
	EventPurge                  Event = "purge"
)

// Table maps (state, event) to the resulting state.
type Table map[State]map[Event]State

// DefaultTable is the comic lifecycle.
var DefaultTable = Table{
	StateUnprocessed: {
		EventImported: StateAdded,
	},
	StateAdded: {
		EventContentsProcessed: StateStable,
		EventMarkAsRead:        StateAdded,
		EventMarkAsUnread:      StateAdded,
	},
	StateStable: {
		EventMetadataUpdated:   StateChanged,
		EventMarkedForRemoval:  StateDeleted,
		EventConsolidateComic:  StateOrganizing,
		EventRecreateComicFile: StateRecreating,
		EventMarkAsRead:        StateStable,
		EventMarkAsUnread:      StateStable,
	},
	StateChanged: {
		EventMetadataUpdated:   StateChanged,
		EventMarkedForRemoval:  StateDeleted,
		EventConsolidateComic:  StateOrganizing,
		EventRecreateComicFile: StateRecreating,
		EventMarkAsRead:        StateChanged,
		EventMarkAsUnread:      StateChanged,
	},
	StateOrganizing: {
		EventComicMoved: StateStable,
	},
	StateRecreating: {
		EventArchiveRecreated: StateStable,
	},
	StateDeleted: {
		EventRemovedFromDeleteQueue: StateStable,
		EventPurge:                  StatePurged,
	},
	StatePurged: {},
}

// Events lists every event the lifecycle knows, declared or not in a table.
var Events = []Event{
	EventImported, EventContentsProcessed, EventMetadataUpdated, EventMarkedForRemoval,
	EventRemovedFromDeleteQueue, EventConsolidateComic, EventComicMoved, EventRecreateComicFile,
	EventArchiveRecreated, EventMarkAsRead, EventMarkAsUnread, EventPurge,
}

// Next returns the target state for event from state.
func (t Table) Next(from State, event Event) (State, bool) {
	to, ok := t[from][event]
	return to, ok
}

// Sources lists the states from which event is accepted, sorted.
func (t Table) Sources(event Event) []State {
	var out []State
	for from, row := range t {
		if _, ok := row[event]; ok {
			out = append(out, from)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks that every known event is reachable from at least one
// state and that every target state is declared.
func (t Table) Validate(events []Event) error {
	var errs []error
	for from, row := range t {
		for event, to := range row {
			if _, ok := t[to]; !ok {
				errs = append(errs, fmt.Errorf("%s --%s--> %s: target state not declared", from, event, to))
			}
		}
	}
	for _, event := range events {
		if len(t.Sources(event)) == 0 {
			errs = append(errs, fmt.Errorf("event %s has no source state", event))
		}
	}
	return errors.Join(errs...)
}
