package main

import "github.com/busybox42/relayctl/cmd/relayctl/commands"

func main() {
	commands.Execute()
}
