package main

import "github.com/Laisky/research-aggregator/cmd"

func main() {
	cmd.Execute()
}
