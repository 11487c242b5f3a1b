package main

import "github.com/getdatasurge/freshtrack-pro-sub006/cmd/freshtrackctl/cmd"

func main() {
	cmd.Execute()
}
