package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env if present (ignore error in production)
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
