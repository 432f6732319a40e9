/*
hop-network node
*/
package main

import (
	"github.com/meshnode/meshnode/cmd/meshnode/commands"
)

func main() {
	commands.Execute()
}
