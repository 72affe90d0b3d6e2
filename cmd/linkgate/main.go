package main

import (
	"os"

	"linkgate/cmd/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
