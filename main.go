package main

import "github.com/omnibridge/omnibridge/cmd"

func main() {
	cmd.Execute()
}
