package main

import "siphon-rainrate/internal/cli"

func main() {
	cli.Execute()
}
