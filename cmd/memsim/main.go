package main

import (
	"context"
	"fmt"
	"os"

	"kmem/cmd/memsim/cmd"
)

func main() {
	if err := cmd.New().Execute(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
