package main

import "github.com/fakeyudi/traceview/cmd"

func main() {
	cmd.Execute()
}
