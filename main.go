package main

import "github.com/kozaktomas/facegallery/cmd"

func main() {
	cmd.Execute()
}
