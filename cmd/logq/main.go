// =============================================================================
// LOGQ - MAIN ENTRY POINT
// =============================================================================
//
// One binary runs the broker cluster and talks to it:
//
//   logq serve --config logq.yaml              # run brokers, HTTP and gRPC
//   logq topics create orders -p 6 -r 3        # create a replicated topic
//   logq produce orders -k user-7 -m hello     # produce over gRPC
//   logq consume orders -g billing --follow    # consume as a group member
//   logq groups describe billing               # generation and assignment
//   logq brokers kill 2                        # fail a broker over
//
// CONFIGURATION:
//   Server: logq.yaml plus LOGQ_* environment variables (see internal/config)
//   CLI:    ~/.logq/config.yaml contexts, LOGQ_SERVER, LOGQ_GRPC, LOGQ_CONTEXT
//
// =============================================================================

package main

import (
	"os"

	"logq/cmd/logq/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
