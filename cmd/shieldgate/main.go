package main

import "shieldgate/internal/cli"

func main() {
	cli.Execute()
}
