package main

import (
	"fmt"
	"os"

	"github.com/veltrix/compengine/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "compengine: %v\n", err)
		os.Exit(1)
	}
}
