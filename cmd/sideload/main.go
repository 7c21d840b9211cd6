package main

import "github.com/ppiankov/sideload/internal/cli"

func main() {
	cli.Execute()
}
