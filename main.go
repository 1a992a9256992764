package main

import "github.com/nextlevelbuilder/gocrew/cmd"

func main() {
	cmd.Execute()
}
