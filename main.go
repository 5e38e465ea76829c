package main

import "tradesync/internal/cli"

func main() {
	cli.Execute()
}
