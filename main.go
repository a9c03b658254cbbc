package main

import "github.com/mfukushim/avatar-shell-sub000/cmd"

func main() {
	cmd.Execute()
}
