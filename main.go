package main

import (
	"github.com/sidkik/tailsync/cmd"
	"github.com/sidkik/tailsync/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
