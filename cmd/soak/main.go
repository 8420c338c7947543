// Command soak drives a relay with one host and many scripted guests and
// checks that every guest ends up with the host's state.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
)

func main() {
	relayURL := flag.String("relay", "ws://localhost:8080/ws", "Relay WebSocket URL")
	guests := flag.Int("guests", 5, "Number of guests to join")
	items := flag.Int("items", 8, "Number of line items on the synthetic receipt")
	intents := flag.Int("intents", 50, "Intents sent by each guest")
	delayMs := flag.Int("delay", 10, "Delay between intents in milliseconds")
	settle := flag.Duration("settle", 10*time.Second, "Time allowed for guests to converge")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(logrus.WarnLevel)
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := Run(ctx, Options{
		RelayURL: *relayURL,
		Guests:   *guests,
		Items:    *items,
		Intents:  *intents,
		Delay:    time.Duration(*delayMs) * time.Millisecond,
		Settle:   *settle,
		Seed:     *seed,
		Logger:   logrus.NewEntry(log),
	})
	if err != nil {
		log.WithError(err).Fatal("Soak run failed")
	}

	fields := logrus.Fields{
		"room":    report.RoomCode,
		"sent":    report.Sent,
		"applied": report.Applied,
		"elapsed": report.Elapsed.Round(time.Millisecond),
		"seed":    *seed,
	}
	if !report.Converged {
		log.WithFields(fields).Error("Guests did not converge")
		os.Exit(1)
	}
	log.WithFields(fields).Warn("All guests converged")
}
