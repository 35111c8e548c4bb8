package main

import "chain-monitor/cmd/monitor-cli/cmd"

func main() {
	cmd.Execute()
}
