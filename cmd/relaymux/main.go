package main

import "github.com/miladsoleymani/relaymux/cmd/relaymux/cmd"

func main() {
	cmd.Execute()
}
