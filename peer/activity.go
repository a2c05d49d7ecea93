package peer

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

const activeWindow = 5 * time.Second

type peerAction struct {
	at     time.Time
	action string
}

// PeerActivity remembers the last thing each source peer was asked to do.
type PeerActivity struct {
	clock clock.Clock
	mu    sync.Mutex
	last  map[string]peerAction
}

func NewPeerActivity(clk clock.Clock) *PeerActivity {
	if clk == nil {
		clk = clock.New()
	}
	return &PeerActivity{clock: clk, last: make(map[string]peerAction)}
}

func (a *PeerActivity) Touch(peer, action string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last[peer] = peerAction{at: a.clock.Now(), action: action}
}

// Active returns peers seen within the last five seconds and their last action.
func (a *PeerActivity) Active() map[string]string {
	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]string)
	for peer, pa := range a.last {
		if now.Sub(pa.at) < activeWindow {
			out[peer] = pa.action
		}
	}
	return out
}
