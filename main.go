package main

import "github.com/nextlevelbuilder/cloudserve/cmd"

func main() {
	cmd.Execute()
}
