package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"
	"github.com/urfave/cli/v3"
	"github.com/wricardo/tabsplit/api"
	"github.com/wricardo/tabsplit/coordinator"
	"github.com/wricardo/tabsplit/protocol"
	"github.com/wricardo/tabsplit/receipt"
	"github.com/wricardo/tabsplit/session"
)

var errQuit = errors.New("quit")

// firstStateTimeout bounds how long join --person waits for the host's state.
const firstStateTimeout = 15 * time.Second

func relayFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "relay", Value: "ws://localhost:8080/ws", Usage: "relay WebSocket URL", Sources: cli.EnvVars("TABSPLIT_RELAY_URL")},
		&cli.StringFlag{Name: "public-url", Value: "http://localhost:8080", Usage: "base URL of join links", Sources: cli.EnvVars("TABSPLIT_PUBLIC_URL")},
	}
}

func newTransport(cmd *cli.Command) *session.Transport {
	opts := session.DefaultOptions(cmd.String("relay"))
	opts.Logger = logrus.NewEntry(log).WithField("component", "session")
	t := session.New(opts)

	t.OnRetry(func(e session.RetryEvent) {
		log.WithFields(logrus.Fields{"attempt": e.Attempt, "delay": e.Delay}).WithError(e.Err).Warn("Retrying relay connection")
	})
	t.OnStatus(func(s session.Status) {
		log.WithField("status", s).Debug("Session status changed")
	})
	t.OnError(func(err error) {
		log.WithError(err).Warn("Session error")
	})
	return t
}

// sessionEnded closes the returned channel once t can no longer recover.
func sessionEnded(t *session.Transport) <-chan struct{} {
	done := make(chan struct{})
	var once sync.Once
	t.OnStatus(func(s session.Status) {
		if s == session.StatusDisconnected || s == session.StatusDestroyed {
			once.Do(func() { close(done) })
		}
	})
	return done
}

func hostCommand() *cli.Command {
	return &cli.Command{
		Name:  "host",
		Usage: "host a bill-splitting session for a receipt",
		Flags: append(relayFlags(),
			&cli.StringFlag{Name: "receipt", Usage: "receipt JSON file", Required: true, Sources: cli.EnvVars("TABSPLIT_RECEIPT")},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			r, err := receipt.Load(cmd.String("receipt"))
			if err != nil {
				return err
			}
			for _, it := range r.LowConfidence(0.7) {
				log.WithField("item", strings.TrimSpace(it.Name)).Warn("Low confidence line item, double check it")
			}

			c, err := coordinator.New(r.Payload(), coordinator.WithLogger(logrus.NewEntry(log).WithField("component", "coordinator")))
			if err != nil {
				return err
			}

			t := newTransport(cmd)
			defer t.Destroy()
			ended := sessionEnded(t)
			detach := c.Attach(t)
			defer detach()
			unwatch := watchState(c, os.Stdout)
			defer unwatch()

			t.OnPeerJoined(func(e session.PeerEvent) { log.WithField("peer", e.PeerID).Info("Guest joined") })
			t.OnPeerLeft(func(e session.PeerEvent) { log.WithField("peer", e.PeerID).Info("Guest left") })
			t.OnGuestStale(func(e session.PeerEvent) { log.WithField("peer", e.PeerID).Warn("Guest stopped responding") })

			code, err := t.StartHost(ctx)
			if err != nil {
				return err
			}

			link := api.JoinLink(cmd.String("public-url"), code)
			fmt.Fprintf(os.Stdout, "Room code: %s\nJoin link: %s\n", code, link)
			if qr, err := qrcode.New(link, qrcode.Medium); err == nil {
				fmt.Fprintln(os.Stdout, qr.ToSmallString(false))
			}
			printHelp(os.Stdout, true)

			return runConsole(ctx, os.Stdin, ended, func(line string) error {
				return hostLine(c, line, os.Stdout)
			})
		},
	}
}

func joinCommand() *cli.Command {
	return &cli.Command{
		Name:      "join",
		Usage:     "join a session as a guest",
		ArgsUsage: "CODE",
		Flags: append(relayFlags(),
			&cli.StringFlag{Name: "person", Usage: "person id to identify as once joined"},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 1 {
				return fmt.Errorf("expected exactly one room code, got %d arguments", cmd.NArg())
			}

			t := newTransport(cmd)
			defer t.Destroy()
			ended := sessionEnded(t)

			g := &guest{t: t, m: coordinator.NewMirror(logrus.NewEntry(log).WithField("component", "mirror")), out: os.Stdout}
			detach := g.m.Attach(t)
			defer detach()
			g.m.OnChange(func(p protocol.SyncPayload) { renderState(g.out, p, g.personID()) })

			if err := t.JoinAsGuest(ctx, cmd.Args().First()); err != nil {
				if errors.Is(err, session.ErrRoomNotFound) {
					return fmt.Errorf("room %s does not exist or has ended", protocol.NormalizeRoomCode(cmd.Args().First()))
				}
				return err
			}
			fmt.Fprintf(os.Stdout, "Joined room %s\n", t.RoomCode())

			if person := cmd.String("person"); person != "" {
				if err := g.identifyOnFirstState(ctx, person, ended, firstStateTimeout); err != nil {
					return err
				}
			}
			printHelp(os.Stdout, false)

			return runConsole(ctx, os.Stdin, ended, g.line)
		},
	}
}

// runConsole feeds lines from in to handle until quit, EOF, ctx is done or
// the session ends.
func runConsole(ctx context.Context, in io.Reader, ended <-chan struct{}, handle func(string) error) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ended:
			return session.ErrSessionLost
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := handle(line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintf(os.Stdout, "error: %v\n", err)
			}
		}
	}
}

func hostLine(c *coordinator.Coordinator, line string, out io.Writer) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "quit", "exit":
		return errQuit
	case "state":
		renderState(out, c.Snapshot(), "")
		return nil
	case "next":
		phase, err := c.AdvancePhase()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Phase: %s\n", phase)
		return nil
	case "help":
		printHelp(out, true)
		return nil
	}

	msg, err := parseIntent(line, "")
	if err != nil {
		return err
	}
	return c.Apply(msg)
}

// watchState renders every accepted change, local or from a guest, to out.
func watchState(c *coordinator.Coordinator, out io.Writer) func() {
	var mu sync.Mutex
	return c.OnChange(func(p protocol.SyncPayload) {
		mu.Lock()
		defer mu.Unlock()
		renderState(out, p, "")
	})
}

// guest is the console side of a joined session.
type guest struct {
	t   *session.Transport
	m   *coordinator.Mirror
	out io.Writer

	mu     sync.Mutex
	person string
}

func (g *guest) personID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.person
}

func (g *guest) identify(personID string) error {
	name := ""
	if state, ok := g.m.State(); ok {
		for _, p := range state.People {
			if p.ID == personID {
				name = p.DisplayName
			}
		}
	}
	if !g.t.Identify(personID, name) {
		return session.ErrNotConnected
	}
	g.mu.Lock()
	g.person = personID
	g.mu.Unlock()
	return nil
}

// identifyOnFirstState waits for the host's first state so the person's
// display name is known, then identifies as personID.
func (g *guest) identifyOnFirstState(ctx context.Context, personID string, ended <-chan struct{}, timeout time.Duration) error {
	ready := make(chan struct{})
	var once sync.Once
	unsub := g.m.OnChange(func(protocol.SyncPayload) { once.Do(func() { close(ready) }) })
	defer unsub()
	if _, ok := g.m.State(); ok {
		once.Do(func() { close(ready) })
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	case <-ended:
		return session.ErrSessionLost
	case <-timer.C:
		return fmt.Errorf("no state from the host after %s", timeout)
	}
	return g.identify(personID)
}

func (g *guest) line(line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "quit", "exit":
		return errQuit
	case "state":
		state, ok := g.m.State()
		if !ok {
			fmt.Fprintln(g.out, "Waiting for the host to send the bill...")
			return nil
		}
		renderState(g.out, state, g.personID())
		return nil
	case "identify", "iam":
		if len(fields) != 2 {
			return fmt.Errorf("usage: %s PERSON", fields[0])
		}
		return g.identify(fields[1])
	case "help":
		printHelp(g.out, false)
		return nil
	}

	msg, err := parseIntent(line, g.personID())
	if err != nil {
		return err
	}
	if !g.t.SendToHost(msg) {
		return session.ErrNotConnected
	}
	return nil
}

// parseIntent turns a console line into an intent. self fills in the person
// for commands that omit it.
func parseIntent(line, self string) (protocol.GuestMessage, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return protocol.GuestMessage{}, errors.New("empty command")
	}
	args := fields[1:]

	person := func(i int) (string, error) {
		if len(args) > i {
			return args[i], nil
		}
		if self == "" {
			return "", errors.New("no person given and none identified")
		}
		return self, nil
	}

	var msg protocol.GuestMessage
	switch fields[0] {
	case "claim", "unclaim":
		if len(args) < 1 {
			return msg, fmt.Errorf("usage: %s ITEM [PERSON]", fields[0])
		}
		p, err := person(1)
		if err != nil {
			return msg, err
		}
		if fields[0] == "claim" {
			msg = protocol.ClaimItem(args[0], p)
		} else {
			msg = protocol.UnclaimItem(args[0], p)
		}

	case "assign":
		if len(args) < 1 {
			return msg, errors.New("usage: assign ITEM [PERSON[=WEIGHT]]...")
		}
		var people []string
		portions := make(map[string]float64)
		for _, a := range args[1:] {
			id, weight, hasWeight := strings.Cut(a, "=")
			people = append(people, id)
			if hasWeight {
				w, err := strconv.ParseFloat(weight, 64)
				if err != nil {
					return msg, fmt.Errorf("invalid weight %q", weight)
				}
				portions[id] = w
			}
		}
		if len(portions) == 0 {
			portions = nil
		}
		msg = protocol.SetAssignees(args[0], people, portions)

	case "tip":
		if len(args) < 2 {
			return msg, errors.New("usage: tip pct|fixed VALUE [PERSON]")
		}
		var mode protocol.TipMode
		switch args[0] {
		case "pct", "percent", "percentage":
			mode = protocol.TipPercentage
		case "fixed":
			mode = protocol.TipFixed
		default:
			return msg, fmt.Errorf("unknown tip mode %q", args[0])
		}
		value, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return msg, fmt.Errorf("invalid tip value %q", args[1])
		}
		p, err := person(2)
		if err != nil {
			return msg, err
		}
		msg = protocol.SetTip(p, mode, value)

	case "add":
		msg = protocol.AddPerson(strings.Join(args, " "))

	default:
		return msg, fmt.Errorf("unknown command %q (try help)", fields[0])
	}
	return msg, msg.Validate()
}

func printHelp(out io.Writer, host bool) {
	fmt.Fprintln(out, "Commands:")
	if host {
		fmt.Fprintln(out, "  next                          advance to the next phase")
	} else {
		fmt.Fprintln(out, "  identify PERSON               say who you are")
	}
	fmt.Fprintln(out, "  claim ITEM [PERSON]           add a person to an item")
	fmt.Fprintln(out, "  unclaim ITEM [PERSON]         remove a person from an item")
	fmt.Fprintln(out, "  assign ITEM [P[=W]]...        replace an item's assignees and weights")
	fmt.Fprintln(out, "  tip pct|fixed VALUE [PERSON]  set a tip (fixed is in cents)")
	fmt.Fprintln(out, "  add NAME                      add a person")
	fmt.Fprintln(out, "  state                         show the bill")
	fmt.Fprintln(out, "  quit")
}

// renderState prints the bill. self marks the caller's own person.
func renderState(out io.Writer, s protocol.SyncPayload, self string) {
	names := make(map[string]string, len(s.People))
	for _, p := range s.People {
		names[p.ID] = p.DisplayName
	}

	fmt.Fprintf(out, "\nPhase: %s\n", s.Phase)
	fmt.Fprintln(out, "Items:")
	for _, it := range s.LineItems {
		var who []string
		for _, id := range s.Assignments[it.ID] {
			label := names[id]
			if w, ok := s.Portions[it.ID][id]; ok {
				label += fmt.Sprintf(" x%g", w)
			}
			who = append(who, label)
		}
		fmt.Fprintf(out, "  %-10s %-24s %3d x %s  %s\n", it.ID, it.Name, it.Quantity, formatCents(it.UnitPriceCents), strings.Join(who, ", "))
	}

	fmt.Fprintln(out, "People:")
	people := append([]protocol.Person{}, s.People...)
	sort.SliceStable(people, func(i, j int) bool { return people[i].DisplayName < people[j].DisplayName })
	for _, p := range people {
		var marks []string
		if p.ID == self {
			marks = append(marks, "you")
		}
		if protocol.SetContains(s.ClaimedPersonIDs, p.ID) {
			marks = append(marks, "joined")
		}
		if tip, ok := s.PersonTips[p.ID]; ok {
			if tip.Mode == protocol.TipPercentage {
				marks = append(marks, fmt.Sprintf("tip %g%%", tip.Percentage))
			} else {
				marks = append(marks, "tip "+formatCents(tip.FixedAmountCents))
			}
		}
		line := fmt.Sprintf("  %-10s %s", p.ID, p.DisplayName)
		if len(marks) > 0 {
			line += " (" + strings.Join(marks, ", ") + ")"
		}
		fmt.Fprintln(out, line)
	}
}

func formatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}
