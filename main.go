package main

import "github.com/MathItYT/tmg-bot/cmd"

func main() {
	cmd.Execute()
}
