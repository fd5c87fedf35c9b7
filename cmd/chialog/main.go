// chialog ships rotated Chia debug logs into a database on a schedule.
package main

import (
	"os"

	"github.com/V4T54L/chialog/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
