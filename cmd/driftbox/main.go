package main

import "github.com/driftbox/driftbox/internal/cmd"

func main() {
	cmd.Execute()
}
