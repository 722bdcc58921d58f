package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"

	"github.com/nohat/openclaw/journal"
	"github.com/nohat/openclaw/store"
)

type cmdStatus struct {
	StateDir string    `long:"state-dir" env:"OPENCLAW_STATE_DIR" default:"." description:"State directory holding the lifecycle database"`
	Log      LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdStatus) Execute(_ []string) error {
	initLog(cmd.Log)

	var s, err = store.Open(cmd.StateDir)
	if err != nil {
		return fmt.Errorf("opening lifecycle store: %w", err)
	}
	var ctx = context.Background()
	var turns = journal.NewTurns(s)
	var outbox = journal.NewOutbox(s, turns)

	turnCounts, err := turns.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("counting turns: %w", err)
	}
	outboxCounts, err := outbox.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("counting outbox rows: %w", err)
	}

	var heading = color.New(color.Bold)
	heading.Println("message_turns")
	for _, status := range []journal.TurnStatus{
		journal.TurnAccepted,
		journal.TurnRunning,
		journal.TurnDeliveryPending,
		journal.TurnFailedRetryable,
		journal.TurnDelivered,
		journal.TurnAborted,
		journal.TurnFailedTerminal,
	} {
		printCount(string(status), turnCounts[status], status.Terminal())
	}

	heading.Println("message_outbox")
	for _, status := range []journal.DeliveryStatus{
		journal.DeliveryQueued,
		journal.DeliveryFailedRetryable,
		journal.DeliveryDelivered,
		journal.DeliveryFailedTerminal,
		journal.DeliveryExpired,
	} {
		printCount(string(status), outboxCounts[status], status.Terminal())
	}
	return nil
}

func printCount(status string, n int64, terminal bool) {
	var paint = color.New(color.FgYellow)
	switch {
	case n == 0:
		paint = color.New(color.Faint)
	case status == "delivered":
		paint = color.New(color.FgGreen)
	case terminal:
		paint = color.New(color.FgRed)
	}
	fmt.Printf("  %-18s %s\n", status, paint.Sprintf("%d", n))
}
