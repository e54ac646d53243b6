// Command tasks runs the background task engine and manages its tasks.
package main

import (
	"os"

	"github.com/ChuLiYu/taskengine/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
