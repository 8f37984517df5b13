package main

import "github.com/itsmostafa/rlmgo/cmd"

func main() {
	cmd.Execute()
}
