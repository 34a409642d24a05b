package main

import "github.com/krau/clipworker/cmd"

func main() {
	cmd.Execute()
}
