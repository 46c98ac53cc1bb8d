package main

import (
	"github.com/charmbracelet/log"

	"sniper/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal("application terminated", "error", err)
	}
}
