package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"strings"

	"offergate/internal/coordinator"
	"offergate/internal/gate"
	"offergate/pkg/logx"
)

// stdinLine is one JSONL command for local/manual runs:
//
//	{"event":"broadcast.new","payload":{...}}   ingest a socket event
//	{"availability":"online"}                   flip the availability signal
//	{"open":"<offer-id>"}                       simulate a notification tap
//	{"action":"accept"|"reject"|"dismiss"}      act on the shown offer
type stdinLine struct {
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload"`
	Availability string          `json:"availability"`
	Open         string          `json:"open"`
	Action       string          `json:"action"`
}

// feedStdin drives the engine from JSONL on stdin until EOF or ctx
// cancellation. Malformed lines are logged and skipped.
func feedStdin(ctx context.Context, svc *coordinator.Service, availCh chan<- gate.Availability, log logx.Logger) {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		var line stdinLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			log.Warn("bad stdin line", logx.Err(err))
			continue
		}
		dispatchLine(ctx, svc, availCh, log, line)
	}
	if err := sc.Err(); err != nil {
		log.Warn("stdin read failed", logx.Err(err))
	}
}

func dispatchLine(ctx context.Context, svc *coordinator.Service, availCh chan<- gate.Availability, log logx.Logger, line stdinLine) {
	switch {
	case line.Availability != "":
		availCh <- parseAvailability(line.Availability)
	case line.Open != "":
		if err := svc.IngestNotificationOpen(ctx, line.Open); err != nil {
			log.Warn("notification open failed", logx.String("offer_id", line.Open), logx.Err(err))
		}
	case line.Action != "":
		switch strings.ToLower(line.Action) {
		case "accept":
			svc.AcceptCurrent()
		case "reject":
			svc.RejectCurrent()
		case "dismiss":
			svc.DismissCurrent()
		case "reconcile":
			svc.RequestReconcile(true)
		default:
			log.Warn("unknown action", logx.String("action", line.Action))
		}
	case line.Event != "":
		svc.IngestSocket(line.Event, line.Payload)
	}
}

func parseAvailability(s string) gate.Availability {
	switch strings.ToLower(s) {
	case "online":
		return gate.AvailabilityOnline
	case "offline":
		return gate.AvailabilityOffline
	default:
		return gate.AvailabilityUnknown
	}
}
