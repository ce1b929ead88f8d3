package main

import (
	"log"
	"os"

	"tandem/cmd/internal/app"

	"github.com/joho/godotenv"
)

func main() {
	// A missing .env is fine; real deployments use the environment.
	_ = godotenv.Load()

	if err := app.Run(os.Args, os.Stdout); err != nil {
		log.Fatal(err)
	}
}
