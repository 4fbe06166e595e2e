// Package main is the entry point for the rule-checker CLI.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rule-checker:", err)
		os.Exit(1)
	}
}
