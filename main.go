package main

import "github.com/agentic-research/axindex/cmd"

func main() {
	cmd.Execute()
}
