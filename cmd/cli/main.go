// Command cli is the mitmscan entrypoint: an intercepting proxy that
// runs passive scan plugins over captured traffic.
package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, `mitmscan %s - passive-scanning intercepting proxy

Usage:
  mitmscan run [flags]       Start the proxy and scan pipeline
  mitmscan ca [flags]        Print the root CA certificate and fingerprint
  mitmscan findings [flags]  Query stored findings
  mitmscan version           Print version

Run 'mitmscan <command> -h' for command flags.
`, version)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:])
	case "ca":
		err = cmdCA(os.Args[2:])
	case "findings":
		err = cmdFindings(os.Args[2:])
	case "version":
		fmt.Println(version)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
