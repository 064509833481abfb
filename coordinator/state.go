package coordinator

type State string

const (
	StateInitializing  State = "initializing"
	StateSnapshotting  State = "snapshotting"
	StateBackfillMerge State = "backfill-merge"
	StateStreaming     State = "streaming"
	StateFailed        State = "failed"
)

// StateHook is called on every state change, from the goroutine running the coordinator.
type StateHook func(from, to State)

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	hook := c.hook
	c.mu.Unlock()

	if from == to {
		return
	}

	c.log("state changed", "from", string(from), "to", string(to))
	if hook != nil {
		hook(from, to)
	}
}
