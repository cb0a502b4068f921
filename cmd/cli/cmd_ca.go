package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mitmscan/mitmscan/pkg/certauthority"
)

// cmdCA prints the root certificate so clients can trust it, creating
// the CA on first use.
func cmdCA(args []string) error {
	fs := flag.NewFlagSet("ca", flag.ExitOnError)
	caDir := fs.String("ca-dir", "", "CA directory (default ~/.mitmscan/ca)")
	out := fs.String("out", "", "Write the certificate PEM to a file instead of stdout")
	fingerprintOnly := fs.Bool("fingerprint", false, "Print only the SHA-256 fingerprint")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ca, err := certauthority.LoadOrGenerateRoot(caDirOrDefault(*caDir))
	if err != nil {
		return err
	}

	if *fingerprintOnly {
		fmt.Println(ca.Fingerprint())
		return nil
	}

	pem := ca.RootCertPEM()
	if *out != "" {
		if err := os.WriteFile(*out, pem, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", *out, err)
		}
		fmt.Fprintf(os.Stderr, "root certificate written to %s\n", *out)
	} else {
		os.Stdout.Write(pem)
	}
	fmt.Fprintf(os.Stderr, "fingerprint: %s\n", ca.Fingerprint())
	return nil
}
