// genkey generates the shared secrets a Relay deployment needs and writes
// them as a .env fragment.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go            # writes .env.secrets (mode 0600)
//	go run scripts/genkey/main.go -stdout    # prints instead
//
// Each secret is 32 random bytes, hex encoded. The engine inbound and outbound
// secrets are generated independently; the server refuses to start when they
// are equal.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
)

var secretVars = []string{
	"RELAY_TOKEN_SECRET",
	"RELAY_ENGINE_OUTBOUND_SECRET",
	"RELAY_ENGINE_INBOUND_SECRET",
	"RELAY_ARTIFACT_SIGNING_SECRET",
	"RELAY_MASTER_KEY",
}

func main() {
	stdout := flag.Bool("stdout", false, "print to stdout instead of writing a file")
	out := flag.String("out", ".env.secrets", "output path")
	flag.Parse()

	var b strings.Builder
	for _, name := range secretVars {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			fmt.Fprintf(os.Stderr, "error: read random: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(&b, "%s=%s\n", name, hex.EncodeToString(buf))
	}

	if *stdout {
		fmt.Print(b.String())
		return
	}

	// Refuse to overwrite: rotating these invalidates live tokens, download
	// links and sealed engine credentials.
	if _, err := os.Stat(*out); err == nil {
		fmt.Fprintf(os.Stderr, "error: %s already exists; delete it first if you want to rotate secrets\n", *out)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, []byte(b.String()), 0600); err != nil {
		fmt.Fprintf(os.Stderr, "error: write %s: %v\n", *out, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", *out)
}
