package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/openclaw/file-relay-go/internal/envelope"
	"github.com/openclaw/file-relay-go/internal/util"
)

// Prints a fresh ENCRYPTION_KEY, or checks the one given as an argument.
func main() {
	if len(os.Args) > 2 {
		fmt.Fprintf(os.Stderr, "Usage: go run scripts/gen-master-key.go [key-to-check]\n")
		os.Exit(1)
	}

	if len(os.Args) == 2 {
		if _, err := util.ParseMasterKey(os.Args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("ok")
		return
	}

	key, err := envelope.NewCodec().NewKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer util.WipeBytes(key)

	fmt.Println(hex.EncodeToString(key))
}
