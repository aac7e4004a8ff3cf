package main

import (
	"log"

	"github.com/austindbirch/wells/cmd/wellsctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
