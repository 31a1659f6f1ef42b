// Package main is the entry point for the warden detection engine.
package main

import (
	"os"

	"warden/cmd"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	os.Exit(cmd.Execute(version))
}
