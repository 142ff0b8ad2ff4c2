package main

import "txwatch/internal/cli"

func main() {
	cli.Execute()
}
