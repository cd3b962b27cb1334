package main

import "github.com/LeJamon/gokonnect/internal/cli"

func main() {
	cli.Execute()
}
