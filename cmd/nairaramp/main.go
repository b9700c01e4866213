package main

import "naira-ramp/internal/cli"

func main() {
	cli.Execute()
}
