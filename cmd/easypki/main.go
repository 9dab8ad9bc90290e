package main

import "github.com/jmcleod/easypki/cmd/easypki/cmd"

func main() {
	cmd.Execute()
}
