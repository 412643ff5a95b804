package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/sclevine/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type comic struct {
	state State
}

func (c *comic) LifecycleState() State     { return c.state }
func (c *comic) SetLifecycleState(s State) { c.state = s }

func TestMachine(t *testing.T) {
	spec.Run(t, "Machine", func(t *testing.T, when spec.G, it spec.S) {
		var (
			m     *Machine
			ctx   context.Context
			calls []string
		)

		record := func(name string) Listener {
			return ListenerFunc(func(ctx context.Context, tr Transition) error {
				calls = append(calls, name+":"+string(tr.Event)+":"+string(tr.To))
				return nil
			})
		}

		it.Before(func() {
			var err error
			m, err = NewMachine(DefaultTable, nil)
			require.NoError(t, err)
			ctx = context.Background()
			calls = nil
		})

		when("the event is valid for the current state", func() {
			it("moves the entity to the declared target", func() {
				c := &comic{state: StateStable}
				res := m.Fire(ctx, c, EventMarkedForRemoval, nil)

				assert.True(t, res.Applied)
				assert.Equal(t, StateStable, res.Previous)
				assert.Equal(t, StateDeleted, res.State)
				assert.Equal(t, StateDeleted, c.state)
				assert.NoError(t, res.Err(EventMarkedForRemoval))
			})

			it("invokes every listener exactly once in registration order", func() {
				m.AddListener(record("first"))
				m.AddListener(record("second"))
				m.AddListener(record("third"))

				m.Fire(ctx, &comic{state: StateUnprocessed}, EventImported, nil)

				assert.Equal(t, []string{
					"first:imported:ADDED",
					"second:imported:ADDED",
					"third:imported:ADDED",
				}, calls)
			})

			it("only calls listeners subscribed to that event", func() {
				m.AddListener(record("purge"), EventPurge)
				m.AddListener(record("all"))

				m.Fire(ctx, &comic{state: StateStable}, EventConsolidateComic, nil)

				assert.Equal(t, []string{"all:consolidateComic:ORGANIZING"}, calls)
			})

			it("passes headers to listeners", func() {
				var got Headers
				m.AddListener(ListenerFunc(func(ctx context.Context, tr Transition) error {
					got = tr.Headers
					return nil
				}))

				m.Fire(ctx, &comic{state: StateStable}, EventMarkAsRead, Headers{HeaderActor: "reader@example.com"})

				assert.Equal(t, "reader@example.com", got.Get(HeaderActor))
			})

			it("keeps going when a listener fails or panics", func() {
				m.AddListener(ListenerFunc(func(ctx context.Context, tr Transition) error {
					return errors.New("disk gone")
				}))
				m.AddListener(ListenerFunc(func(ctx context.Context, tr Transition) error {
					panic("listener bug")
				}))
				m.AddListener(record("last"))

				c := &comic{state: StateDeleted}
				res := m.Fire(ctx, c, EventPurge, Headers{HeaderDeleteFile: "true"})

				assert.True(t, res.Applied)
				assert.Equal(t, StatePurged, c.state)
				assert.Equal(t, []string{"last:purge:PURGED"}, calls)
			})

			it("supports the organize and recreate round trips", func() {
				c := &comic{state: StateStable}
				assert.True(t, m.Fire(ctx, c, EventConsolidateComic, nil).Applied)
				assert.Equal(t, StateOrganizing, c.state)
				assert.True(t, m.Fire(ctx, c, EventComicMoved, nil).Applied)
				assert.True(t, m.Fire(ctx, c, EventRecreateComicFile, nil).Applied)
				assert.Equal(t, StateRecreating, c.state)
				assert.True(t, m.Fire(ctx, c, EventArchiveRecreated, nil).Applied)
				assert.Equal(t, StateStable, c.state)
			})
		})

		when("the event is not valid for the current state", func() {
			it("leaves the state unchanged and reports applied=false", func() {
				m.AddListener(record("any"))
				c := &comic{state: StateAdded}

				res := m.Fire(ctx, c, EventPurge, nil)

				assert.False(t, res.Applied)
				assert.Equal(t, StateAdded, res.State)
				assert.Equal(t, StateAdded, c.state)
				assert.Empty(t, calls)
				assert.ErrorIs(t, res.Err(EventPurge), ErrRejectedTransition)
			})

			it("rejects everything once purged", func() {
				c := &comic{state: StatePurged}
				for _, e := range Events {
					assert.False(t, m.Fire(ctx, c, e, nil).Applied, string(e))
				}
			})
		})
	})
}

func TestTable_Validate(t *testing.T) {
	assert.NoError(t, DefaultTable.Validate(Events))

	broken := Table{
		StateUnprocessed: {EventImported: StateAdded},
	}
	err := broken.Validate([]Event{EventImported, EventPurge})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target state not declared")
	assert.Contains(t, err.Error(), "event purge has no source state")

	_, err = NewMachine(broken, nil)
	assert.Error(t, err)
}

func TestTable_Sources(t *testing.T) {
	assert.Equal(t, []State{StateChanged, StateStable}, DefaultTable.Sources(EventMarkedForRemoval))
	assert.Equal(t, []State{StateDeleted}, DefaultTable.Sources(EventPurge))
}
