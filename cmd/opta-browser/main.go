package main

import "github.com/opta-dev/opta-browser/cmd/opta-browser/cmd"

func main() {
	cmd.Execute()
}
