// Command externref runs the externref transform over a core module.
//
//	externref --directives dirs.json -o out.wasm in.wasm
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
