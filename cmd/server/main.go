package main

import (
	"log"

	"github.com/FlooooowY/SteelMount-Human-Gate/cmd/server/cli"
)

func main() {
	log.SetFlags(0)

	if err := cli.New().Execute(); err != nil {
		log.Fatalf("error during command execution: %v", err)
	}
}
