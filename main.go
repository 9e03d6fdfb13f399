package main

import "github.com/user/syncbook/cmd"

func main() {
	cmd.Execute()
}
