package main

import (
	"log"

	"nagare/services/prover"
)

func main() {
	if err := prover.Main(); err != nil {
		log.Fatalf("prover: %v", err)
	}
}
