package main

import (
	"log"

	"github.com/thiagokokada/repowatch/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		log.Fatalf("repowatch: %v", err)
	}
}
