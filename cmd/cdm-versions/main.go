// Command cdm-versions acquires ontology artifacts with version tracking.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/cli"
)

func main() {
	// The first signal stops dispatching; in-flight fetches still finish.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
