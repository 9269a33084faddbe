package main

import (
	"os"

	"ip-geocache/internal/cli"
)

func main() {
	os.Exit(int(cli.Run()))
}
