package main

import "github.com/toba/stitch/cmd"

func main() {
	cmd.Execute()
}
