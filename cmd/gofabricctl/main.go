// gofabricctl -- CLI client for the gofabric daemon's admin API.
package main

import "github.com/dantte-lp/gofabric/cmd/gofabricctl/commands"

func main() {
	commands.Execute()
}
