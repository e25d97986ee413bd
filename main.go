package main

import (
	"slot-watcher/internal/cli"
)

func main() {
	cli.Execute()
}
