package main

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nohat/openclaw/journal"
	"github.com/nohat/openclaw/store"
)

type cmdExpire struct {
	StateDir     string    `long:"state-dir" env:"OPENCLAW_STATE_DIR" default:"." description:"State directory holding the lifecycle database"`
	MaxAgeMs     int64     `long:"max-age-ms" default:"1800000" description:"Delivery TTL window in milliseconds"`
	ExpireAction string    `long:"expire-action" default:"fail" choice:"fail" choice:"deliver" description:"TTL behavior: mark expired, or leave rows their retry budget"`
	Log          LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdExpire) Execute(_ []string) error {
	initLog(cmd.Log)

	var _, outbox, err = openJournals(cmd.StateDir)
	if err != nil {
		return err
	}
	n, err := outbox.ExpireStale(context.Background(),
		time.Duration(cmd.MaxAgeMs)*time.Millisecond,
		journal.ExpireAction(cmd.ExpireAction))
	if err != nil {
		return fmt.Errorf("running TTL sweep: %w", err)
	}
	log.WithField("count", n).Info("expired outbox rows")
	return nil
}

type cmdPrune struct {
	StateDir string    `long:"state-dir" env:"OPENCLAW_STATE_DIR" default:"." description:"State directory holding the lifecycle database"`
	AgeHours int       `long:"age-hours" default:"48" description:"Retention horizon for terminal rows, in hours"`
	Log      LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdPrune) Execute(_ []string) error {
	initLog(cmd.Log)

	var turns, outbox, err = openJournals(cmd.StateDir)
	if err != nil {
		return err
	}
	var ctx = context.Background()
	var age = time.Duration(cmd.AgeHours) * time.Hour

	nTurns, err := turns.Prune(ctx, age)
	if err != nil {
		return fmt.Errorf("pruning turns: %w", err)
	}
	nOutbox, err := outbox.Prune(ctx, age)
	if err != nil {
		return fmt.Errorf("pruning outbox: %w", err)
	}
	log.WithFields(log.Fields{
		"turns":  nTurns,
		"outbox": nOutbox,
	}).Info("pruned terminal journal rows")
	return nil
}

type cmdImportQueue struct {
	StateDir string    `long:"state-dir" env:"OPENCLAW_STATE_DIR" default:"." description:"State directory holding the lifecycle database"`
	Log      LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdImportQueue) Execute(_ []string) error {
	initLog(cmd.Log)

	var _, outbox, err = openJournals(cmd.StateDir)
	if err != nil {
		return err
	}
	n, err := outbox.ImportLegacyFileQueue(context.Background(), cmd.StateDir)
	if err != nil {
		return fmt.Errorf("importing legacy file queue: %w", err)
	}
	log.WithField("count", n).Info("imported legacy queued deliveries")
	return nil
}

func openJournals(stateDir string) (*journal.Turns, *journal.Outbox, error) {
	var s, err = store.Open(stateDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening lifecycle store: %w", err)
	}
	var turns = journal.NewTurns(s)
	return turns, journal.NewOutbox(s, turns), nil
}
