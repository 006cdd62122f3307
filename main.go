package main

import "github.com/clubcord/doorman/cmd"

func main() {
	cmd.Execute()
}
