package main

import (
	"context"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wricardo/tabsplit/coordinator"
	"github.com/wricardo/tabsplit/protocol"
	"github.com/wricardo/tabsplit/session"
)

// Options controls a soak run.
type Options struct {
	RelayURL string
	Guests   int
	Items    int
	Intents  int           // intents sent by each guest
	Delay    time.Duration // pause between intents
	Settle   time.Duration // how long to wait for mirrors to converge
	Seed     int64

	Logger *logrus.Entry
}

// Report summarises a soak run.
type Report struct {
	RoomCode  string
	Sent      int
	Applied   uint64
	Converged bool
	Elapsed   time.Duration
}

type soakGuest struct {
	person string
	t      *session.Transport
	m      *coordinator.Mirror
}

// Run hosts a room on the relay, joins opts.Guests guests that each fire
// random intents, and waits until every mirror equals the host state.
func Run(ctx context.Context, opts Options) (Report, error) {
	start := time.Now()
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	var report Report

	payload := syntheticPayload(opts.Items, opts.Guests)
	c, err := coordinator.New(payload, coordinator.WithLogger(log.WithField("component", "coordinator")))
	if err != nil {
		return report, err
	}

	host := newTransport(opts, log.WithField("role", "host"))
	defer host.Destroy()
	detach := c.Attach(host)
	defer detach()

	code, err := host.StartHost(ctx)
	if err != nil {
		return report, fmt.Errorf("start host: %w", err)
	}
	report.RoomCode = code
	log.WithField("room", code).Info("Room created")

	guests := make([]*soakGuest, 0, opts.Guests)
	for i := 0; i < opts.Guests; i++ {
		g := &soakGuest{
			person: payload.People[i].ID,
			t:      newTransport(opts, log.WithField("guest", i)),
			m:      coordinator.NewMirror(log.WithField("guest", i)),
		}
		defer g.t.Destroy()
		g.m.Attach(g.t)
		if err := g.t.JoinAsGuest(ctx, code); err != nil {
			return report, fmt.Errorf("guest %d join: %w", i, err)
		}
		g.t.Identify(g.person, payload.People[i].DisplayName)
		guests = append(guests, g)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sent int
	)
	for i, g := range guests {
		wg.Add(1)
		go func(i int, g *soakGuest) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(opts.Seed + int64(i)))
			n := 0
			for j := 0; j < opts.Intents && ctx.Err() == nil; j++ {
				if g.t.SendToHost(randomIntent(rng, payload, g.person)) {
					n++
				}
				if opts.Delay > 0 {
					time.Sleep(opts.Delay)
				}
			}
			mu.Lock()
			sent += n
			mu.Unlock()
		}(i, g)
	}
	wg.Wait()
	report.Sent = sent

	report.Converged = waitConverged(ctx, c, guests, opts.Settle)
	report.Applied = c.Version()
	report.Elapsed = time.Since(start)
	return report, nil
}

func newTransport(opts Options, log *logrus.Entry) *session.Transport {
	sopts := session.DefaultOptions(opts.RelayURL)
	sopts.BaseDelay = 50 * time.Millisecond
	sopts.Logger = log
	return session.New(sopts)
}

// waitConverged polls until every guest mirror equals the host snapshot or
// settle elapses.
func waitConverged(ctx context.Context, c *coordinator.Coordinator, guests []*soakGuest, settle time.Duration) bool {
	deadline := time.Now().Add(settle)
	for {
		want := c.Snapshot()
		ok := true
		for _, g := range guests {
			got, has := g.m.State()
			if !has || !reflect.DeepEqual(normalize(got), normalize(want)) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// normalize maps empty and nil collections to the same value so a payload
// compares equal after a JSON round trip.
func normalize(p protocol.SyncPayload) protocol.SyncPayload {
	p = p.Clone()
	if len(p.ClaimedPersonIDs) == 0 {
		p.ClaimedPersonIDs = nil
	}
	for id, w := range p.Portions {
		if len(w) == 0 {
			delete(p.Portions, id)
		}
	}
	return p
}

func syntheticPayload(items, people int) protocol.SyncPayload {
	lineItems := make([]protocol.LineItem, items)
	for i := range lineItems {
		lineItems[i] = protocol.LineItem{
			ID:             fmt.Sprintf("item-%d", i+1),
			Name:           fmt.Sprintf("Dish %d", i+1),
			UnitPriceCents: int64(500 + 125*i),
			Quantity:       1,
			Confidence:     1,
		}
	}
	persons := make([]protocol.Person, people)
	for i := range persons {
		persons[i] = protocol.Person{
			ID:          fmt.Sprintf("person-%d", i+1),
			DisplayName: fmt.Sprintf("Guest %d", i+1),
		}
	}
	return protocol.NewSyncPayload(lineItems, persons)
}

func randomIntent(rng *rand.Rand, p protocol.SyncPayload, self string) protocol.GuestMessage {
	item := p.LineItems[rng.Intn(len(p.LineItems))].ID
	switch rng.Intn(4) {
	case 0:
		return protocol.UnclaimItem(item, self)
	case 1:
		if rng.Intn(2) == 0 {
			return protocol.SetTip(self, protocol.TipPercentage, float64(10+rng.Intn(15)))
		}
		return protocol.SetTip(self, protocol.TipFixed, float64(100*rng.Intn(10)))
	default:
		return protocol.ClaimItem(item, self)
	}
}
