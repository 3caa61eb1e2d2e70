package main

import "github.com/nextlevelbuilder/codial/cmd"

func main() {
	cmd.Execute()
}
