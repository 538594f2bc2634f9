package main

import "github.com/arcward/andrzej/cmd"

func main() {
	cmd.Execute()
}
