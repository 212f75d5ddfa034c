package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/sporadic-app/sporadic/internal/cli"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("load .env: %v", err)
	}

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
