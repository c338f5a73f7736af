// README: Human-readable order number generator; date + second-of-day + machine id + sequence.
package idgen

import (
	"fmt"
	"sync"
	"time"
)

const (
	maxMachineID = 99
	maxSequence  = 999
)

// OrderNumbers yields numbers like ORD-20261015-43200-01-007. Numbers are unique per machine id
// for up to 1000 per second; the generator waits for the next second once a second is used up.
type OrderNumbers struct {
	mu        sync.Mutex
	machineID int
	sequence  int
	lastSec   int64
	now       func() time.Time
}

func NewOrderNumbers(machineID int) *OrderNumbers {
	if machineID < 0 || machineID > maxMachineID {
		machineID = 0
	}
	return &OrderNumbers{machineID: machineID, now: time.Now}
}

func (g *OrderNumbers) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UTC()
	sec := now.Unix()
	if sec == g.lastSec {
		g.sequence = (g.sequence + 1) % (maxSequence + 1)
		if g.sequence == 0 {
			for sec <= g.lastSec {
				time.Sleep(time.Millisecond)
				now = g.now().UTC()
				sec = now.Unix()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastSec = sec

	secOfDay := now.Hour()*3600 + now.Minute()*60 + now.Second()
	return fmt.Sprintf("ORD-%s-%05d-%02d-%03d", now.Format("20060102"), secOfDay, g.machineID, g.sequence)
}
