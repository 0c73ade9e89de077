// Package main is the entry point for the signaling load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: open N idle connections and hold them
//   - match:    pair clients, relay a handshake and exchange chat lines
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "match":
		runMatch(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test: opens N idle connections")
	fmt.Println("  match       Pairing test: clients find partners, relay a handshake and chat")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// healthURL derives the /health URL from a ws:// or wss:// endpoint.
func healthURL(wsURL string) string {
	u := strings.TrimSuffix(wsURL, "/ws")
	u = strings.Replace(u, "ws://", "http://", 1)
	u = strings.Replace(u, "wss://", "https://", 1)
	return u + "/health"
}
