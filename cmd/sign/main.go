package main

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/crypto"
)

func main() {
	privKeyB64 := flag.String("key", "", "Base64-encoded Ed25519 private key")
	agentID := flag.String("agent", "", "Agent UUID")
	bodyFile := flag.String("body", "", "File containing request body (or use stdin)")
	curl := flag.Bool("curl", false, "Print headers as curl -H flags")
	flag.Parse()

	if *privKeyB64 == "" || *agentID == "" {
		fmt.Fprintln(os.Stderr, "Usage: sign -key <private-key-base64> -agent <agent-uuid> [-body <file>] [-curl]")
		fmt.Fprintln(os.Stderr, "  Reads body from stdin if -body not specified")
		os.Exit(1)
	}

	privKeyBytes, err := base64.StdEncoding.DecodeString(*privKeyB64)
	if err != nil || len(privKeyBytes) != ed25519.PrivateKeySize {
		fmt.Fprintln(os.Stderr, "Invalid private key: expected base64 of 64 bytes")
		os.Exit(1)
	}

	var body []byte
	if *bodyFile != "" {
		body, err = os.ReadFile(*bodyFile)
	} else {
		body, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read body: %v\n", err)
		os.Exit(1)
	}

	nonce := crypto.NewNonce()
	timestamp := time.Now().UnixMilli()
	hash := sha256.Sum256(body)
	signature := crypto.Sign(ed25519.PrivateKey(privKeyBytes), hex.EncodeToString(hash[:]), nonce, timestamp)

	headers := [][2]string{
		{"X-Agent-ID", *agentID},
		{"X-Agent-Nonce", nonce},
		{"X-Agent-Timestamp", fmt.Sprintf("%d", timestamp)},
		{"X-Agent-Signature", signature},
	}
	for _, h := range headers {
		if *curl {
			fmt.Printf("-H '%s: %s' ", h[0], h[1])
		} else {
			fmt.Printf("%s: %s\n", h[0], h[1])
		}
	}
	if *curl {
		fmt.Println()
	}
}
