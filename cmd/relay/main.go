package main

import "github.com/goliatone/go-relay/internal/cli"

func main() {
	cli.Execute()
}
