// # cmd/grammargate/main.go
package main

import (
	"os"

	"grammargate/internal/ui/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
