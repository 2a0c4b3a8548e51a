package main

import "github.com/vietddude/shopsync/internal/cli"

func main() {
	cli.Execute()
}
