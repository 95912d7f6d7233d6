// genkey generates the secrets a Recoup deployment needs: an Ed25519 key
// pair for JWT signing and a credential box key.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//
// Prints env-file lines to stdout; append them to .env or your secret store:
//
//	RECOUP_JWT_PRIVATE_KEY=...
//	RECOUP_JWT_PUBLIC_KEY=...
//	RECOUP_SECRET_KEY=...
//
// The server auto-generates ephemeral keys when these are unset, but those
// are discarded on every restart: existing tokens stop validating and sealed
// provider credentials become unreadable. Persistent keys prevent that.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/recoup-ai/recoup/internal/secrets"
)

func main() {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: generate jwt key: %v\n", err)
		os.Exit(1)
	}

	boxKey, err := secrets.GenerateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: generate box key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("RECOUP_JWT_PRIVATE_KEY=%s\n", base64.StdEncoding.EncodeToString(priv))
	fmt.Printf("RECOUP_JWT_PUBLIC_KEY=%s\n", base64.StdEncoding.EncodeToString(pub))
	fmt.Printf("RECOUP_SECRET_KEY=%s\n", boxKey)
}
