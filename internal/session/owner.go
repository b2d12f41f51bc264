package session

import "sync"

const (
	ownerQueue = "queue"
	ownerPool  = "pool"
)

// deviceOwner hands the device to one driver at a time, either the queue's
// dispatch loop or a pool run. A nil owner never refuses.
type deviceOwner struct {
	mu    sync.Mutex
	owner string
}

func newDeviceOwner() *deviceOwner {
	return &deviceOwner{}
}

// acquire claims the device for who. Claiming it again as the current holder succeeds.
func (d *deviceOwner) acquire(who string) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.owner {
	case "", who:
		d.owner = who
		return nil
	case ownerPool:
		return ErrPoolInFlight
	default:
		return ErrQueueBusy
	}
}

func (d *deviceOwner) release(who string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owner == who {
		d.owner = ""
	}
}
