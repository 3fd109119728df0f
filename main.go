package main

import "github.com/KaramelBytes/analyzethis/cmd"

func main() {
	cmd.Execute()
}
