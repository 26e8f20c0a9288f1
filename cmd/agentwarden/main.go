// Command agentwarden supervises coding-agent processes working on work items.
package main

import (
	"fmt"
	"os"

	"github.com/Iron-Ham/agentwarden/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
