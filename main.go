package main

import "github.com/fakeyudi/capwatch/cmd"

func main() {
	cmd.Execute()
}
