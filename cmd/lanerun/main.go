package main

import "github.com/ndhoang/lanerun/internal/cli"

func main() {
	cli.Execute()
}
