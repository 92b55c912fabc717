package main

import (
	"fmt"
	"os"

	"firestige.xyz/applayer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "applayer: %v\n", err)
		os.Exit(1)
	}
}
