package main

import (
	"os"

	"github.com/solatis/routekeeper/cmd/routekeeper/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
