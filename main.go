package main

import "github.com/agentic-research/skytiles/cmd"

func main() {
	cmd.Execute()
}
