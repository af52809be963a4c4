package main

import "github.com/depker/depker/cmd/root"

func main() {
	root.Execute()
}
