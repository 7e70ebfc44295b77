// Package main implements the dbtester command line tool, which provisions,
// migrates and tears down disposable PostgreSQL test databases.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, os.Args, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "dbtester: %v\n", err)
		os.Exit(1)
	}
}
