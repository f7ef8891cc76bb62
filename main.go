package main

import "github.com/qobs-build/discforge/cmd"

func main() {
	cmd.Execute()
}
