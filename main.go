package main

import "github.com/nextlevelbuilder/mucbridge/cmd"

func main() {
	cmd.Execute()
}
