package main

import (
	"os"

	"github.com/malbeclabs/jobusage/internal/cli"
)

func main() {
	os.Exit(int(cli.Run()))
}
