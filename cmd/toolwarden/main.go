package main

import "github.com/toolwarden/toolwarden/cmd/toolwarden/cmd"

func main() {
	cmd.Execute()
}
