package main

import "github.com/ArchitectVS7/OpenClaw/cmd"

func main() {
	cmd.Execute()
}
