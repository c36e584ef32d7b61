// Command chainwatch-tui is a terminal dashboard for a running chainwatch
// daemon. It only reads the daemon's status API.
package main

import (
	"flag"
	"fmt"
	"os"

	"chainwatch/internal/tui"
)

var version = "dev"

func main() {
	server := os.Getenv("CHAINWATCH_STATUS_URL")
	if server == "" {
		server = "http://127.0.0.1:9464"
	}
	flag.StringVar(&server, "server", server, "status API base URL (env CHAINWATCH_STATUS_URL)")
	printVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *printVersion {
		fmt.Println("chainwatch-tui", version)
		return
	}
	if err := tui.Run(server); err != nil {
		fmt.Fprintln(os.Stderr, "chainwatch-tui:", err)
		os.Exit(1)
	}
}
