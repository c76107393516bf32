package main

import "iso-builder/internal/cli"

func main() {
	cli.Execute()
}
