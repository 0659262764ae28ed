// Package detect implements the Device Detector: a polling goroutine that
// watches for printer ports appearing and disappearing, and a TTL-backed
// blacklist so a port that just failed with an I/O error isn't immediately
// re-attached before the OS has finished tearing it down.
package detect

import (
	"context"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Port describes one candidate serial device as reported by a Lister.
type Port struct {
	PortName     string
	VendorID     string
	ProductID    string
	SerialNumber string
}

// Lister enumerates the serial ports currently present on the host. The
// real implementation walks /dev/serial/by-id (or the platform equivalent);
// tests supply a fake.
type Lister interface {
	List() ([]Port, error)
}

// Handler reacts to attach/detach events the Detector observes.
type Handler interface {
	OnAttach(port Port)
	OnDetach(portName string)
}

// Detector polls a Lister on an interval and diffs the result against the
// previously seen port set, reporting attach/detach transitions to a
// Handler. Ports on the blacklist are excluded from attach reporting until
// their TTL expires, matching spec.md §4.F's bounce-suppression rule: a
// port just evicted for an I/O error shouldn't be immediately re-offered.
type Detector struct {
	log     *slog.Logger
	lister  Lister
	handler Handler
	period  time.Duration

	blacklist *lru.LRU[string, struct{}]
	seen      map[string]Port
}

// New creates a Detector. blacklistTTL bounds how long a blacklisted port
// is withheld from re-attachment; blacklistSize caps the number of
// concurrently blacklisted ports (eviction of the oldest entry beyond that
// cap is an acceptable bound — spec.md never requires unbounded retention).
func New(logger *slog.Logger, lister Lister, handler Handler, period, blacklistTTL time.Duration, blacklistSize int) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		log:       logger,
		lister:    lister,
		handler:   handler,
		period:    period,
		blacklist: lru.NewLRU[string, struct{}](blacklistSize, nil, blacklistTTL),
		seen:      make(map[string]Port),
	}
}

// Blacklist withholds portName from attach reporting until the TTL passed
// to New expires. Called by the Server when a Device Worker reports an I/O
// error via its OnIOError hook.
func (d *Detector) Blacklist(portName string) {
	d.blacklist.Add(portName, struct{}{})
	d.log.Debug("port blacklisted", slog.String("port", portName))
}

// Run polls until ctx is canceled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	d.poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.poll()
		}
	}
}

func (d *Detector) poll() {
	ports, err := d.lister.List()
	if err != nil {
		d.log.Warn("port listing failed", slog.String("error", err.Error()))
		return
	}

	current := make(map[string]Port, len(ports))
	for _, p := range ports {
		if d.blacklist.Contains(p.PortName) {
			continue
		}
		current[p.PortName] = p
		if _, already := d.seen[p.PortName]; !already {
			d.handler.OnAttach(p)
		}
	}

	for name := range d.seen {
		if _, stillPresent := current[name]; !stillPresent {
			d.handler.OnDetach(name)
		}
	}

	d.seen = current
}
