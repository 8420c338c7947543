package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wricardo/tabsplit/config"
	"github.com/wricardo/tabsplit/relay"
)

func TestRun_GuestsConverge(t *testing.T) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	log := logrus.NewEntry(l)

	hub := relay.NewHub(config.DefaultRelay(), relay.NewRegistry(relay.WithLogger(log)), log)
	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	report, err := Run(ctx, Options{
		RelayURL: "ws" + strings.TrimPrefix(server.URL, "http"),
		Guests:   3,
		Items:    4,
		Intents:  20,
		Delay:    time.Millisecond,
		Settle:   5 * time.Second,
		Seed:     7,
		Logger:   log,
	})
	require.NoError(t, err)
	assert.True(t, report.Converged)
	assert.Equal(t, 60, report.Sent)
	assert.NotEmpty(t, report.RoomCode)
	// Three identities plus at least some of the intents.
	assert.Greater(t, report.Applied, uint64(3))
}

func TestSyntheticPayloadIsValid(t *testing.T) {
	p := syntheticPayload(5, 3)
	require.NoError(t, p.Validate())
	assert.Len(t, p.LineItems, 5)
	assert.Len(t, p.People, 3)
}
