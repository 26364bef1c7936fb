package main

import (
	"log"

	"nagare/services/registryd"
)

func main() {
	if err := registryd.Main(); err != nil {
		log.Fatalf("registryd: %v", err)
	}
}
