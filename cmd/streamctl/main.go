package main

import "go-stream-processor/cmd/streamctl/cmd"

func main() {
	cmd.Execute()
}
