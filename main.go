package main

import "github.com/ackarapazar/target-stitch/cmd"

func main() {
	cmd.Execute()
}
