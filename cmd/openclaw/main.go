package main

import (
	"github.com/jessevdk/go-flags"
	mbp "go.gazette.dev/core/mainboilerplate"
)

const iniFilename = "openclaw.ini"

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	_, _ = parser.AddCommand("status", "Show lifecycle journal status", `
Print per-state row counts of the turn and outbox journals of a state
directory.
`, &cmdStatus{})

	_, _ = parser.AddCommand("expire", "Expire over-age outbox rows", `
Run one TTL sweep over the outbox journal, marking queued and retryable
rows older than the delivery window as expired.
`, &cmdExpire{})

	_, _ = parser.AddCommand("prune", "Prune terminal journal rows", `
Delete terminal turn and outbox rows which are older than their retention
horizons.
`, &cmdPrune{})

	_, _ = parser.AddCommand("import-queue", "Import the legacy file queue", `
Migrate any remaining *.json entries of the legacy delivery-queue directory
into the outbox journal. The command is idempotent and a no-op once the
directory is empty.
`, &cmdImportQueue{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
