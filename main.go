package main

import "github.com/scwright027/kv-engine/cmd"

func main() {
	cmd.Execute()
}
