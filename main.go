package main

import "github.com/meanderings/gateway/frontend/cli/cmd"

func main() {
	cmd.Execute()
}
