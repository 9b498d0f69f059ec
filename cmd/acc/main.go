package main

import "github.com/YossiAshkenazi/automatic-claude-code-sub013/cmd/acc/commands"

func main() {
	commands.Execute()
}
