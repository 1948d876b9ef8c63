// Command settle runs the credit ledger and settlement engine.
package main

import (
	"fmt"
	"os"

	"github.com/tutu-network/settle/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
