package main

import (
	"log"

	"nagare/services/witness"
)

func main() {
	if err := witness.Main(); err != nil {
		log.Fatalf("witness: %v", err)
	}
}
