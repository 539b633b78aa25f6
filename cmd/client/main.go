package main

import "controlsync/cmd/client/cmd"

func main() {
	cmd.Execute()
}
