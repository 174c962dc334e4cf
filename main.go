package main

import "github.com/jmehdipour/helpdesk/cmd"

func main() {
	cmd.Execute()
}
