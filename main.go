package main

import "github.com/chadmayfield/noaad/cmd"

func main() {
	cmd.Execute()
}
