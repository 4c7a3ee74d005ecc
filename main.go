package main

import "stethkeeper/internal/cli"

func main() {
	cli.Execute()
}
