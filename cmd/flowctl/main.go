// flowctl is the command-line driver of spec.md §6: it loads one or more
// workflow configs and runs them in sequence against a shared store.
package main

import (
	"github.com/grailbio/base/grail"

	"github.com/grailbio/flowstore/cmd/flowctl/cmd"
)

func main() {
	shutdown := grail.Init()
	defer shutdown()
	cmd.Execute()
}
