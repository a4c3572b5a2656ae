package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/rcliao/agent-runtime/internal/cli"
)

func main() {
	// A missing .env is fine; variables may come from the environment.
	_ = godotenv.Load()
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
