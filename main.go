package main

import "github.com/agentic-research/knowledge-services/cmd"

func main() {
	cmd.Execute()
}
