package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// A .env in the working directory fills unset MUTUELLE_* variables.
	_ = godotenv.Load()

	initHelp(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		outputError(os.Stderr, err)
		os.Exit(1)
	}
}
