package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mirkobrombin/go-skmutex/v1/events"
)

func TestSimulate(t *testing.T) {
	opts := options{
		Sites:    4,
		WorkMin:  time.Millisecond,
		WorkMax:  2 * time.Millisecond,
		ThinkMin: 0,
		ThinkMax: time.Millisecond,
	}
	logger := log.New()
	logger.SetOutput(io.Discard)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	rec := events.NewRecorder()
	if err := simulate(ctx, opts, logger, rec); err != nil {
		t.Fatalf("simulate: %v", err)
	}
	var out bytes.Buffer
	if err := printReport(&out, rec, opts.Sites); err != nil {
		t.Fatalf("report: %v\n%s", err, out.String())
	}
	for _, want := range []string{"site 0:", "site 3:", "mutual exclusion held"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("missing %q in report:\n%s", want, out.String())
		}
	}
}

func TestPrintReportDetectsOverlap(t *testing.T) {
	rec := events.NewRecorder()
	rec.Observe(events.Event{Site: 0, Kind: events.EnterCS, Peer: -1})
	rec.Observe(events.Event{Site: 1, Kind: events.EnterCS, Peer: -1})
	if err := printReport(io.Discard, rec, 2); err == nil {
		t.Fatal("expected violation")
	}
}
