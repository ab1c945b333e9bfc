package main

import "github.com/extdev/extdev/cmd/extdev/cmd"

func main() {
	cmd.Execute()
}
