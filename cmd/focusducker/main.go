package main

import "github.com/bryanchriswhite/FocusDucker/cmd/focusducker/commands"

func main() {
	commands.Execute()
}
